package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action mendaftar operasi yang diaudit.
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionPost    Action = "POST"
	ActionApprove Action = "APPROVE"
	ActionCancel  Action = "CANCEL"
	ActionReserve Action = "RESERVE"
	ActionScan    Action = "SCAN"
)

// Valid memeriksa apakah a termasuk aksi yang dikenal.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionPost, ActionApprove, ActionCancel, ActionReserve, ActionScan:
		return true
	}
	return false
}

// Event adalah satu entri audit yang tidak dapat diubah.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	ActorID    int64          `json:"actor_id"`
	Action     Action         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	EntityRepr string         `json:"entity_repr"`
	Changes    map[string]any `json:"changes,omitempty"`
	At         time.Time      `json:"at"`
}

// TimelineFilters menampung filter dasar untuk audit timeline.
type TimelineFilters struct {
	From       time.Time
	To         time.Time
	ActorID    int64
	EntityType string
	EntityID   string
	Action     string
	Page       int
	PageSize   int
}

// WindowParams adalah parameter query satu halaman timeline.
type WindowParams struct {
	From       time.Time
	To         time.Time
	ActorID    int64
	EntityType string
	EntityID   string
	Action     string
	Offset     int
	Limit      int
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result membungkus hasil timeline dengan informasi paging.
type Result struct {
	Rows   []Event    `json:"rows"`
	Paging PagingInfo `json:"paging"`
}
