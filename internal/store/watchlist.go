package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// NotCheckedSentinel is the default current_version before the first
// successful release lookup.
const NotCheckedSentinel = "Not Checked"

// TrackedRepo is a single watchlist entry.
type TrackedRepo struct {
	ID             int64
	Owner          string
	RepoName       string
	CurrentVersion string
	LatestVersion  string
	Description    string
	AvatarURL      string
	HTMLURL        string
	LastChecked    string // RFC3339Nano, empty if never checked
	SortOrder      int
}

// AddTrackedRepo inserts a new watchlist entry at the end of the sort order.
// Returns apierr-shaped duplicate detection via the caller checking
// sqlite's UNIQUE constraint message; callers should pre-check existence
// when a friendlier conflict message is needed.
func AddTrackedRepo(db *sql.DB, owner, repoName, description, avatarURL, htmlURL string) (*TrackedRepo, error) {
	var maxOrder sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(sort_order) FROM tracked_repos`).Scan(&maxOrder); err != nil {
		return nil, fmt.Errorf("add tracked repo: %w", err)
	}
	sortOrder := 0
	if maxOrder.Valid {
		sortOrder = int(maxOrder.Int64) + 1
	}

	res, err := db.Exec(
		`INSERT INTO tracked_repos(owner, repo_name, current_version, description, avatar_url, html_url, sort_order)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		owner, repoName, NotCheckedSentinel, description, avatarURL, htmlURL, sortOrder,
	)
	if err != nil {
		return nil, fmt.Errorf("add tracked repo: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("add tracked repo: %w", err)
	}
	return GetTrackedRepo(db, id)
}

// RemoveTrackedRepo deletes a watchlist entry by id.
func RemoveTrackedRepo(db *sql.DB, id int64) error {
	if _, err := db.Exec(`DELETE FROM tracked_repos WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove tracked repo: %w", err)
	}
	return nil
}

// GetTrackedRepo loads a single entry by id.
func GetTrackedRepo(db *sql.DB, id int64) (*TrackedRepo, error) {
	row := db.QueryRow(
		`SELECT id, owner, repo_name, current_version, COALESCE(latest_version, ''), COALESCE(description, ''),
		        COALESCE(avatar_url, ''), COALESCE(html_url, ''), COALESCE(last_checked, ''), sort_order
		 FROM tracked_repos WHERE id = ?`, id)
	return scanTrackedRepo(row)
}

// ListTrackedRepos returns all watchlist entries ordered by sort_order.
func ListTrackedRepos(db *sql.DB) ([]*TrackedRepo, error) {
	rows, err := db.Query(
		`SELECT id, owner, repo_name, current_version, COALESCE(latest_version, ''), COALESCE(description, ''),
		        COALESCE(avatar_url, ''), COALESCE(html_url, ''), COALESCE(last_checked, ''), sort_order
		 FROM tracked_repos ORDER BY sort_order ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tracked repos: %w", err)
	}
	defer rows.Close()

	var out []*TrackedRepo
	for rows.Next() {
		r, err := scanTrackedRepoRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reorder applies a new sort_order to each listed repo id, in the order
// given (index 0 gets sort_order 0).
func Reorder(db *sql.DB, ids []int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("reorder: %w", err)
	}
	defer tx.Rollback()

	for i, id := range ids {
		if _, err := tx.Exec(`UPDATE tracked_repos SET sort_order = ? WHERE id = ?`, i, id); err != nil {
			return fmt.Errorf("reorder: %w", err)
		}
	}
	return tx.Commit()
}

// WorkerUpdateResult is the pure record a watchlist worker returns; it
// mutates nothing and is applied by ApplyWorkerResult on the single writer.
type WorkerUpdateResult struct {
	RepoID         int64
	NewLatestTag   string // empty if the probe failed or found nothing
	Updated        bool
	PromoteCurrent bool
}

// ApplyWorkerResult applies one worker's pure result to the store in a
// deterministic mutation order.
func ApplyWorkerResult(db *sql.DB, r WorkerUpdateResult) error {
	repo, err := GetTrackedRepo(db, r.RepoID)
	if err != nil {
		return err
	}
	if repo == nil {
		return fmt.Errorf("apply worker result: repo %d not found", r.RepoID)
	}

	newLatest := repo.LatestVersion
	if r.NewLatestTag != "" && r.NewLatestTag != repo.LatestVersion {
		newLatest = r.NewLatestTag
	}

	newCurrent := repo.CurrentVersion
	if repo.CurrentVersion == NotCheckedSentinel && r.NewLatestTag != "" {
		newCurrent = r.NewLatestTag
	}

	_, err = db.Exec(
		`UPDATE tracked_repos SET latest_version = ?, current_version = ?, last_checked = ? WHERE id = ?`,
		nullableString(newLatest), newCurrent, formatTime(nowUTC()), r.RepoID,
	)
	if err != nil {
		return fmt.Errorf("apply worker result: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanTrackedRepo(row *sql.Row) (*TrackedRepo, error) {
	var r TrackedRepo
	err := row.Scan(&r.ID, &r.Owner, &r.RepoName, &r.CurrentVersion, &r.LatestVersion, &r.Description,
		&r.AvatarURL, &r.HTMLURL, &r.LastChecked, &r.SortOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan tracked repo: %w", err)
	}
	return &r, nil
}

func scanTrackedRepoRows(rows *sql.Rows) (*TrackedRepo, error) {
	var r TrackedRepo
	if err := rows.Scan(&r.ID, &r.Owner, &r.RepoName, &r.CurrentVersion, &r.LatestVersion, &r.Description,
		&r.AvatarURL, &r.HTMLURL, &r.LastChecked, &r.SortOrder); err != nil {
		return nil, fmt.Errorf("scan tracked repo: %w", err)
	}
	return &r, nil
}

// watchlistExport is the JSON shape used by Export/ImportWatchlist, chosen
// so export-then-import yields the same (owner, repo_name,
// current_version) set.
type watchlistExport struct {
	Owner          string `json:"owner"`
	RepoName       string `json:"repo_name"`
	CurrentVersion string `json:"current_version"`
	SortOrder      int    `json:"sort_order"`
}

// ExportWatchlist serializes the whole watchlist to a JSON array.
func ExportWatchlist(db *sql.DB) ([]byte, error) {
	repos, err := ListTrackedRepos(db)
	if err != nil {
		return nil, err
	}
	out := make([]watchlistExport, 0, len(repos))
	for _, r := range repos {
		out = append(out, watchlistExport{
			Owner:          r.Owner,
			RepoName:       r.RepoName,
			CurrentVersion: r.CurrentVersion,
			SortOrder:      r.SortOrder,
		})
	}
	return json.MarshalIndent(out, "", "  ")
}

// ImportWatchlist replaces the current watchlist with the entries encoded
// in data, preserving sort order and current_version from the export.
func ImportWatchlist(db *sql.DB, data []byte) error {
	var entries []watchlistExport
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("import watchlist: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("import watchlist: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tracked_repos`); err != nil {
		return fmt.Errorf("import watchlist: %w", err)
	}
	for _, e := range entries {
		current := e.CurrentVersion
		if current == "" {
			current = NotCheckedSentinel
		}
		if _, err := tx.Exec(
			`INSERT INTO tracked_repos(owner, repo_name, current_version, sort_order) VALUES (?, ?, ?, ?)`,
			e.Owner, e.RepoName, current, e.SortOrder,
		); err != nil {
			return fmt.Errorf("import watchlist: %w", err)
		}
	}
	return tx.Commit()
}
