package sync

import (
	"context"
	"fmt"
	"log"
	"time"
)

// BatchResult summarizes an administrative sync across many connections.
type BatchResult struct {
	Connections int           `json:"connections"`
	Batches     int           `json:"batches"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"` // already in progress
	Errors      []string      `json:"errors,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// chunk splits ids into groups of at most size.
func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var groups [][]string
	for len(ids) > 0 {
		n := size
		if len(ids) < n {
			n = len(ids)
		}
		groups = append(groups, ids[:n])
		ids = ids[n:]
	}
	return groups
}

// BatchSync runs a sync pass for each listed connection, grouping requests
// into provider-sized batches. The group size never exceeds the provider's
// batch cap, so ceil(n/cap) batches are issued for n connections.
func (e *Engine) BatchSync(ctx context.Context, connectionIDs []string, mode Mode) *BatchResult {
	start := time.Now()
	result := &BatchResult{Connections: len(connectionIDs)}

	// Group connections by provider so each group honors its own cap.
	byProvider := make(map[string][]string)
	caps := make(map[string]int)
	for _, id := range connectionIDs {
		conn, err := e.db.GetConnectionByID(id)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("connection %s: %v", id, err))
			continue
		}

		key := string(conn.Provider)
		if _, ok := caps[key]; !ok {
			client, err := e.clients.ClientFor(ctx, conn)
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("connection %s: %v", id, err))
				continue
			}
			caps[key] = client.BatchCap()
		}
		byProvider[key] = append(byProvider[key], id)
	}

	for providerName, ids := range byProvider {
		for _, group := range chunk(ids, caps[providerName]) {
			result.Batches++
			for _, id := range group {
				if err := ctx.Err(); err != nil {
					result.Errors = append(result.Errors, err.Error())
					result.Duration = time.Since(start)
					return result
				}

				if _, err := e.TriggerSync(ctx, id, mode); err != nil {
					if isInProgress(err) {
						result.Skipped++
						continue
					}
					result.Failed++
					result.Errors = append(result.Errors, fmt.Sprintf("connection %s: %v", id, err))
					continue
				}
				result.Succeeded++
			}
		}
	}

	result.Duration = time.Since(start)
	return result
}

// SyncAllEnabled syncs every enabled connection, used by the background
// scheduler and the admin CLI.
func (e *Engine) SyncAllEnabled(ctx context.Context, mode Mode) *BatchResult {
	connections, err := e.db.GetEnabledConnections()
	if err != nil {
		log.Printf("Failed to load enabled connections: %v", err)
		return &BatchResult{Errors: []string{err.Error()}}
	}

	ids := make([]string, 0, len(connections))
	for _, conn := range connections {
		ids = append(ids, conn.ID)
	}
	return e.BatchSync(ctx, ids, mode)
}
