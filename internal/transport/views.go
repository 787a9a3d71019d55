package transport

import (
	"database/sql"
	"time"

	"github.com/crossbus/crossbus/internal/session"
	"github.com/crossbus/crossbus/internal/store"
)

// View types translate store rows (with their sql.Null fields) into the
// wire shape. Optional fields render as omitted, not as null-wrappers.

type taskView struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Instructions      string     `json:"instructions,omitempty"`
	Type              string     `json:"type"`
	Source            string     `json:"source,omitempty"`
	Target            string     `json:"target,omitempty"`
	Priority          string     `json:"priority"`
	DispatchAction    string     `json:"dispatchAction,omitempty"`
	Status            string     `json:"status"`
	Outcome           string     `json:"outcome,omitempty"`
	ErrorCode         string     `json:"errorCode,omitempty"`
	ErrorClass        string     `json:"errorClass,omitempty"`
	TokensUsed        int64      `json:"tokensUsed,omitempty"`
	CostMicrodollars  int64      `json:"costMicrodollars,omitempty"`
	Result            string     `json:"result,omitempty"`
	SessionID         string     `json:"sessionId,omitempty"`
	LastHeartbeat     *time.Time `json:"lastHeartbeat,omitempty"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	UnclaimCount      int        `json:"unclaimCount,omitempty"`
	LastUnclaimReason string     `json:"lastUnclaimReason,omitempty"`
	Flagged           bool       `json:"flagged,omitempty"`
	RequiresAction    bool       `json:"requiresAction,omitempty"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	ExpiryReason      string     `json:"expiryReason,omitempty"`
	ExternalRef       string     `json:"externalRef,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

func toTaskView(t *store.Task) *taskView {
	if t == nil {
		return nil
	}
	return &taskView{
		ID:                t.ID,
		Title:             t.Title,
		Instructions:      t.Instructions,
		Type:              t.Type,
		Source:            t.Source,
		Target:            t.Target,
		Priority:          t.Priority,
		DispatchAction:    t.DispatchAction,
		Status:            t.Status,
		Outcome:           nullStr(t.Outcome),
		ErrorCode:         nullStr(t.ErrorCode),
		ErrorClass:        nullStr(t.ErrorClass),
		TokensUsed:        t.TokensUsed,
		CostMicrodollars:  t.CostMicrodollars,
		Result:            nullStr(t.Result),
		SessionID:         nullStr(t.SessionID),
		LastHeartbeat:     nullTime(t.LastHeartbeat),
		StartedAt:         nullTime(t.StartedAt),
		CompletedAt:       nullTime(t.CompletedAt),
		UnclaimCount:      t.UnclaimCount,
		LastUnclaimReason: nullStr(t.LastUnclaimReason),
		Flagged:           t.Flagged,
		RequiresAction:    t.RequiresAction,
		ExpiresAt:         nullTime(t.ExpiresAt),
		ExpiryReason:      nullStr(t.ExpiryReason),
		ExternalRef:       nullStr(t.ExternalRef),
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

func toTaskViews(tasks []*store.Task) []*taskView {
	out := make([]*taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskView(t))
	}
	return out
}

type messageView struct {
	ID               string     `json:"id"`
	Source           string     `json:"source"`
	Target           string     `json:"target"`
	Type             string     `json:"type"`
	Payload          string     `json:"payload,omitempty"`
	Priority         string     `json:"priority"`
	Status           string     `json:"status"`
	DeliveryAttempts int        `json:"deliveryAttempts,omitempty"`
	ThreadID         string     `json:"threadId,omitempty"`
	ReplyTo          string     `json:"replyTo,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	DeliveredAt      *time.Time `json:"deliveredAt,omitempty"`
	ReadAt           *time.Time `json:"readAt,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
}

func toMessageView(m *store.Message) *messageView {
	if m == nil {
		return nil
	}
	return &messageView{
		ID:               m.ID,
		Source:           m.Source,
		Target:           m.Target,
		Type:             m.Type,
		Payload:          m.Payload,
		Priority:         m.Priority,
		Status:           m.Status,
		DeliveryAttempts: m.DeliveryAttempts,
		ThreadID:         nullStr(m.ThreadID),
		ReplyTo:          nullStr(m.ReplyTo),
		CreatedAt:        m.CreatedAt,
		DeliveredAt:      nullTime(m.DeliveredAt),
		ReadAt:           nullTime(m.ReadAt),
		ExpiresAt:        nullTime(m.ExpiresAt),
	}
}

func toMessageViews(msgs []*store.Message) []*messageView {
	out := make([]*messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageView(m))
	}
	return out
}

type sessionView struct {
	ID             string     `json:"id"`
	ProgramID      string     `json:"programId"`
	Name           string     `json:"name,omitempty"`
	Status         string     `json:"status"`
	LastHeartbeat  *time.Time `json:"lastHeartbeat,omitempty"`
	ContextBytes   int64      `json:"contextBytes,omitempty"`
	ContextPercent float64    `json:"contextPercent,omitempty"`
	Handoff        bool       `json:"handoff,omitempty"`
	Archived       bool       `json:"archived,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func toSessionView(s *store.Session) *sessionView {
	if s == nil {
		return nil
	}
	v := &sessionView{
		ID:            s.ID,
		ProgramID:     s.ProgramID,
		Name:          s.Name,
		Status:        s.Status,
		LastHeartbeat: nullTime(s.LastHeartbeat),
		Handoff:       s.Handoff,
		Archived:      s.Archived,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	if n := len(s.ContextHistory); n > 0 {
		v.ContextBytes = s.ContextHistory[n-1].Bytes
		v.ContextPercent = session.ContextPercent(v.ContextBytes)
	}
	return v
}

func toSessionViews(sessions []*store.Session) []*sessionView {
	out := make([]*sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionView(s))
	}
	return out
}

type deadLetterView struct {
	ID             string    `json:"id"`
	Source         string    `json:"source"`
	Target         string    `json:"target"`
	Type           string    `json:"type"`
	Payload        string    `json:"payload,omitempty"`
	Attempts       int       `json:"attempts"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"createdAt"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}

func toDeadLetterViews(letters []*store.DeadLetter) []*deadLetterView {
	out := make([]*deadLetterView, 0, len(letters))
	for _, d := range letters {
		out = append(out, &deadLetterView{
			ID:             d.ID,
			Source:         d.Source,
			Target:         d.Target,
			Type:           d.Type,
			Payload:        d.Payload,
			Attempts:       d.Attempts,
			Reason:         d.Reason,
			CreatedAt:      d.CreatedAt,
			DeadLetteredAt: d.DeadLetteredAt,
		})
	}
	return out
}

type keyView struct {
	KeyHash      string     `json:"keyHash"`
	ProgramID    string     `json:"programId"`
	Capabilities []string   `json:"capabilities,omitempty"`
	RateTier     string     `json:"rateTier"`
	Active       bool       `json:"active"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

func toKeyView(k *store.APIKey) *keyView {
	return &keyView{
		KeyHash:      k.KeyHash,
		ProgramID:    k.ProgramID,
		Capabilities: k.Capabilities,
		RateTier:     k.RateTier,
		Active:       k.Active,
		RevokedAt:    nullTime(k.RevokedAt),
		ExpiresAt:    nullTime(k.ExpiresAt),
		LastUsedAt:   nullTime(k.LastUsedAt),
		CreatedAt:    k.CreatedAt,
	}
}

func nullStr(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

func nullTime(v sql.NullTime) *time.Time {
	if v.Valid {
		t := v.Time
		return &t
	}
	return nil
}
