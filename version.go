package main

var (
	// version is set during build via ldflags
	Version = "v0.0.2"
	// commit is set during build via ldflags. see Makefile.
	Commit = "none"
	// date is set during build via ldflags. see Makefile.
	Date = "unknown"
)
