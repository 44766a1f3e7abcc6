package providers

import (
	"time"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
)

// Normalize fills the gateway-owned fields of a freshly parsed request:
// correlation id, receive timestamp, identity from the caller's session
// and a default priority. Wire-derived fields are left alone.
func Normalize(req *contracts.Request, tenantID, userID string, groups []string) *contracts.Request {
	if req.CorrelationID == "" {
		req.CorrelationID = contracts.NewCorrelationID()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}
	if tenantID != "" {
		req.TenantID = tenantID
	}
	if userID != "" {
		req.UserID = userID
	}
	if len(groups) > 0 {
		req.UserGroups = append([]string(nil), groups...)
	}
	if !req.Priority.Valid() {
		req.Priority = contracts.PriorityNormal
	}
	return req
}
