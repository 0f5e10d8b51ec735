package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrTerminalOperation is returned when a transition out of SUCCEEDED or
// FAILED is attempted.
var ErrTerminalOperation = errors.New("index operation already in a terminal state")

// DataSourceType names the kind of external content a DataSource points at.
type DataSourceType string

const (
	TypeFile       DataSourceType = "FILE"
	TypeRemoteFile DataSourceType = "REMOTE_FILE"
	TypeWebPage    DataSourceType = "WEBPAGE"
	TypeWebCrawl   DataSourceType = "WEB_CRAWL"
	TypeYouTube    DataSourceType = "YOUTUBE"
)

// OperationStatus is the state of an IndexOperation.
type OperationStatus string

const (
	StatusRunning   OperationStatus = "RUNNING"
	StatusSucceeded OperationStatus = "SUCCEEDED"
	StatusFailed    OperationStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s OperationStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Well-known IndexOperation metadata keys.
const (
	MetaSucceededURLs = "succeededUrls"
	MetaFailedURLs    = "failedUrls"
	MetaTotalURLs     = "totalUrls"
	MetaBaseURL       = "baseUrl"
	MetaURLRegex      = "urlRegex"
	MetaSyncStart     = "syncStart"
	MetaDiscoveryDone = "discoveryDone"
	MetaDocumentCount = "documentCount"
)

type DataSource struct {
	ID                string         `json:"id"`
	Type              DataSourceType `json:"type"`
	Name              string         `json:"name"`
	URL               string         `json:"url"`
	Metadata          map[string]any `json:"metadata"`
	NumberOfDocuments int            `json:"numberOfDocuments"`
	LastManualSync    *time.Time     `json:"lastManualSync,omitempty"`
	LastAutomaticSync *time.Time     `json:"lastAutomaticSync,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

type IndexOperation struct {
	ID            string          `json:"id"`
	DataSourceID  string          `json:"dataSourceId"`
	Status        OperationStatus `json:"status"`
	Metadata      map[string]any  `json:"metadata"`
	ErrorMessages []string        `json:"errorMessages"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// VectorLink joins a DataSource to one row in the vector store.
type VectorLink struct {
	DataSourceID string
	VectorID     string
	// Distance is the similarity distance recorded with the link. Chunks
	// linked at ingestion have no query to be measured against and store 0.
	Distance float64
}
