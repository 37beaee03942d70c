package domain

import (
	"fmt"
	"time"
)

type Resource struct {
	// Cache key the resource is stored under
	Key string
	// URL that was requested
	URL string
	// URL the fetcher ended up at, after redirects. Empty when unknown.
	FinalURL    string
	ContentType string
	Data        []byte
	FetchedAt   time.Time
}

func (r Resource) Size() int {
	return len(r.Data)
}

// Where a delivered resource came from
type Source int

const (
	SourceNone Source = iota
	SourceMemory
	SourceDisk
	SourceNetwork
)

func (s Source) String() string {
	switch s {
	case SourceNone:
		return "none"
	case SourceMemory:
		return "memory"
	case SourceDisk:
		return "disk"
	case SourceNetwork:
		return "network"
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

type Priority int

const (
	PriorityNormal Priority = iota
	PriorityLow
)

func (p Priority) String() string {
	if p == PriorityLow {
		return "low"
	}
	return "normal"
}

// Result is the terminal outcome of a request
type Result struct {
	Resource Resource
	Source   Source
	Err      error
}
