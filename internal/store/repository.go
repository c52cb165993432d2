package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Repository is one Replay-tracked repository on disk.
type Repository struct {
	ID        int64
	Name      string
	Path      string
	IsRemote  bool
	RemoteURL string
	CreatedAt string
}

// Commit is one row of a repository's commit history.
type Commit struct {
	ID           int64
	RepoID       int64
	Hash         string
	ShortHash    string
	Message      string
	Author       string
	AuthorEmail  string
	Date         string
	CommitNumber int
}

// AddRepository registers a repository at path, which must be unique
// (enforced at the schema level; duplicate inserts surface as a conflict
// to the caller via the underlying UNIQUE constraint error).
func AddRepository(db *sql.DB, name, path string, isRemote bool, remoteURL string) (*Repository, error) {
	res, err := db.Exec(
		`INSERT INTO repositories(name, path, is_remote, remote_url, created_at) VALUES (?, ?, ?, ?, ?)`,
		name, path, isRemote, remoteURL, formatTime(nowUTC()),
	)
	if err != nil {
		return nil, fmt.Errorf("add repository: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("add repository: %w", err)
	}
	return GetRepositoryByID(db, id)
}

// GetRepositoryByID loads a repository by id.
func GetRepositoryByID(db *sql.DB, id int64) (*Repository, error) {
	return scanRepository(db.QueryRow(
		`SELECT id, name, path, is_remote, COALESCE(remote_url,''), created_at FROM repositories WHERE id = ?`, id))
}

// GetRepositoryByPath loads a repository by its absolute, resolved path.
func GetRepositoryByPath(db *sql.DB, path string) (*Repository, error) {
	return scanRepository(db.QueryRow(
		`SELECT id, name, path, is_remote, COALESCE(remote_url,''), created_at FROM repositories WHERE path = ?`, path))
}

func scanRepository(row *sql.Row) (*Repository, error) {
	var r Repository
	err := row.Scan(&r.ID, &r.Name, &r.Path, &r.IsRemote, &r.RemoteURL, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan repository: %w", err)
	}
	return &r, nil
}

// ReplaceCommits rewrites the full commit history for repoID in one
// transaction, assigning a dense 1-based commit_number in the order given.
// Callers must pass commits oldest-first.
func ReplaceCommits(db *sql.DB, repoID int64, commits []Commit) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("replace commits: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM commits WHERE repo_id = ?`, repoID); err != nil {
		return fmt.Errorf("replace commits: %w", err)
	}

	for i, c := range commits {
		if _, err := tx.Exec(
			`INSERT INTO commits(repo_id, hash, short_hash, message, author, author_email, date, commit_number)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			repoID, c.Hash, c.ShortHash, c.Message, c.Author, c.AuthorEmail, c.Date, i+1,
		); err != nil {
			return fmt.Errorf("replace commits: %w", err)
		}
	}
	return tx.Commit()
}

// ListCommits returns a page of commits ordered by commit_number
// descending.
func ListCommits(db *sql.DB, repoID int64, page, pageSize int) (commits []Commit, total int, err error) {
	if err = db.QueryRow(`SELECT COUNT(*) FROM commits WHERE repo_id = ?`, repoID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("list commits: %w", err)
	}

	offset := (page - 1) * pageSize
	rows, err := db.Query(
		`SELECT id, repo_id, hash, short_hash, COALESCE(message,''), COALESCE(author,''), COALESCE(author_email,''), date, commit_number
		 FROM commits WHERE repo_id = ? ORDER BY commit_number DESC LIMIT ? OFFSET ?`,
		repoID, pageSize, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c Commit
		if err := rows.Scan(&c.ID, &c.RepoID, &c.Hash, &c.ShortHash, &c.Message, &c.Author, &c.AuthorEmail, &c.Date, &c.CommitNumber); err != nil {
			return nil, 0, fmt.Errorf("list commits: %w", err)
		}
		commits = append(commits, c)
	}
	return commits, total, rows.Err()
}

// GetCommitByHash looks up a single commit row, used to resolve
// commit_number and metadata for a Replay target.
func GetCommitByHash(db *sql.DB, repoID int64, hash string) (*Commit, error) {
	var c Commit
	err := db.QueryRow(
		`SELECT id, repo_id, hash, short_hash, COALESCE(message,''), COALESCE(author,''), COALESCE(author_email,''), date, commit_number
		 FROM commits WHERE repo_id = ? AND hash = ?`, repoID, hash,
	).Scan(&c.ID, &c.RepoID, &c.Hash, &c.ShortHash, &c.Message, &c.Author, &c.AuthorEmail, &c.Date, &c.CommitNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get commit by hash: %w", err)
	}
	return &c, nil
}
