package store

import (
	"encoding/json"
	"fmt"
)

// HeaderPair preserves the order of captured request headers. Order matters
// because some upstream proxies are sensitive to duplicate header placement.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PendingSubmission models one attendance payload captured while the host was
// offline, awaiting replay against the server. The body is an opaque octet
// string; the store never inspects it.
type PendingSubmission struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_pending_created"`
	EndpointURL      string `gorm:"column:endpoint_url;size:512;not null"`
	Method           string `gorm:"column:method;size:8;not null"`
	HeadersJSON      string `gorm:"column:headers_json;type:text;not null;default:'[]'"`
	Body             []byte `gorm:"column:body;not null"`
	Attempts         int    `gorm:"column:attempts;not null;default:0"`
	LastError        string `gorm:"column:last_error;size:512;not null;default:''"`
	Synced           bool   `gorm:"column:synced;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (PendingSubmission) TableName() string {
	return "pending_submissions"
}

// Headers decodes the ordered header snapshot captured at enqueue time.
func (p *PendingSubmission) Headers() ([]HeaderPair, error) {
	if p.HeadersJSON == "" {
		return nil, nil
	}
	var pairs []HeaderPair
	if err := json.Unmarshal([]byte(p.HeadersJSON), &pairs); err != nil {
		return nil, fmt.Errorf("decode header snapshot: %w", err)
	}
	return pairs, nil
}

// SetHeaders encodes the ordered header snapshot for persistence.
func (p *PendingSubmission) SetHeaders(pairs []HeaderPair) error {
	if pairs == nil {
		pairs = []HeaderPair{}
	}
	encoded, err := json.Marshal(pairs)
	if err != nil {
		return fmt.Errorf("encode header snapshot: %w", err)
	}
	p.HeadersJSON = string(encoded)
	return nil
}

// CacheEntry holds a keyed blob used for read-through caching of reference
// data (class lists, rosters) while the network is unavailable.
type CacheEntry struct {
	Key              string `gorm:"column:cache_key;primaryKey;size:190;not null"`
	Data             []byte `gorm:"column:data;not null"`
	TimestampSeconds int64  `gorm:"column:timestamp_s;not null;index:idx_cache_timestamp"`
}

// TableName provides the explicit table binding for GORM.
func (CacheEntry) TableName() string {
	return "kv_cache"
}
