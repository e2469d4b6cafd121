package mongo

import (
	"time"

	"github.com/xraph/grove"

	"github.com/ferromir/lidex-mongo/instance"
)

// instanceModel is the persisted shape of a workflow instance. Steps and
// naps are embedded maps addressed by dotted paths ("steps.<id>"), so single
// entries can be projected and set without touching the rest of the
// document.
type instanceModel struct {
	grove.BaseModel `grove:"table:lidex_instances"`

	ID        string               `grove:"id,pk"           bson:"_id"`
	Handler   string               `grove:"handler,notnull" bson:"handler"`
	Input     []byte               `grove:"input"           bson:"input,omitempty"`
	Status    string               `grove:"status,notnull"  bson:"status"`
	TimeoutAt *time.Time           `grove:"timeout_at"      bson:"timeout_at,omitempty"`
	Failures  int                  `grove:"failures"        bson:"failures,omitempty"`
	LastError string               `grove:"last_error"      bson:"last_error,omitempty"`
	Steps     map[string][]byte    `grove:"steps"           bson:"steps,omitempty"`
	Naps      map[string]time.Time `grove:"naps"            bson:"naps,omitempty"`
	CreatedAt time.Time            `grove:"created_at,notnull" bson:"created_at"`
	UpdatedAt time.Time            `grove:"updated_at,notnull" bson:"updated_at"`
}

func fromInstanceModel(m *instanceModel) *instance.Instance {
	return &instance.Instance{
		ID:        m.ID,
		Handler:   m.Handler,
		Input:     m.Input,
		Status:    instance.Status(m.Status),
		TimeoutAt: m.TimeoutAt,
		Failures:  m.Failures,
		LastError: m.LastError,
		Steps:     m.Steps,
		Naps:      m.Naps,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
