package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/huyyxy/memmachine/internal/store"
)

// run is the background ingestion loop. It drains the dirty-user set,
// processes each user's pending messages, and sleeps when idle.
func (p *ProfileMemory) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		users := p.tracker.TakeUsersToUpdate()
		if len(users) == 0 {
			select {
			case <-p.stopCh:
				return
			case <-time.After(p.updateInterval):
			}
			continue
		}

		p.drainUsers(context.Background(), users)
	}
}

// drainUsers processes dirty users concurrently. Each user's work is
// independent.
func (p *ProfileMemory) drainUsers(ctx context.Context, users []string) {
	var wg sync.WaitGroup
	for _, userID := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			if err := p.processUser(ctx, userID); err != nil {
				logf("process user %s: %v", userID, err)
			}
		}(userID)
	}
	wg.Wait()
}

// processUser loads one batch of the user's pending messages, groups them by
// canonical isolation, and applies each group sequentially. Groups run
// concurrently; consolidation fires after each group's last message.
func (p *ProfileMemory) processUser(ctx context.Context, userID string) error {
	messages, err := p.storage.GetHistoryMessagesByIngestionStatus(ctx, userID, p.historyBatchSize, false)
	if err != nil {
		return fmt.Errorf("load pending messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	groups := groupByIsolation(messages)

	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(group []store.HistoryMessage) {
			defer wg.Done()
			p.processGroup(ctx, group)
		}(group)
	}
	wg.Wait()
	return nil
}

// groupByIsolation partitions messages by canonical isolation, preserving
// message order within each group. Group order follows the sorted canonical
// keys.
func groupByIsolation(messages []store.HistoryMessage) [][]store.HistoryMessage {
	byKey := make(map[string][]store.HistoryMessage)
	for _, m := range messages {
		key := m.Isolations.Canonical()
		byKey[key] = append(byKey[key], m)
	}

	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	groups := make([][]store.HistoryMessage, 0, len(keys))
	for _, key := range keys {
		groups = append(groups, byKey[key])
	}
	return groups
}

// processGroup applies one isolation group's messages in order. A transient
// failure leaves the message uningested so the next tick retries it;
// subsequent messages in the group are not attempted out of order.
func (p *ProfileMemory) processGroup(ctx context.Context, group []store.HistoryMessage) {
	for i, message := range group {
		consolidate := i == len(group)-1
		if err := p.updateFromMessage(ctx, message, consolidate); err != nil {
			logf("update from message %d: %v", message.ID, err)
			return
		}
		if err := p.storage.MarkMessagesIngested(ctx, []int64{message.ID}); err != nil {
			logf("mark message %d ingested: %v", message.ID, err)
			return
		}
	}
}

// updateFromMessage runs one message through the update prompt and applies
// the resulting commands. A returned error is transient: the message stays
// uningested and is retried. Parse failures are terminal; the update is
// discarded and the message is still marked, avoiding poison-message loops.
func (p *ProfileMemory) updateFromMessage(ctx context.Context, message store.HistoryMessage, consolidate bool) error {
	userID := message.UserID
	isolations := message.Isolations

	profile, err := p.GetProfile(ctx, userID, isolations)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}

	userPrompt := renderUpdatePrompt(profile, message.Content)
	resp, err := p.model.GenerateResponse(ctx, p.prompts.Update, userPrompt, p.maxAttempts)
	if err != nil {
		return fmt.Errorf("generate update: %w", err)
	}

	thinking, commands, err := parseCommands(resp.Content)
	if err != nil {
		logf("discard update for message %d: %v", message.ID, err)
		return nil
	}
	if thinking != "" {
		logf("update thinking for user %s: %s", userID, thinking)
	}

	for _, cmd := range commands {
		if err := p.applyCommand(ctx, userID, message.ID, isolations, cmd); err != nil {
			logf("apply %s command for user %s: %v", cmd.Op, userID, err)
		}
	}

	if consolidate {
		p.consolidate(ctx, userID, isolations)
	}
	return nil
}

func (p *ProfileMemory) applyCommand(ctx context.Context, userID string, citationID int64, isolations store.Isolations, cmd Command) error {
	switch cmd.Op {
	case "add":
		value := cmd.Value
		if cmd.Date != "" {
			value = fmt.Sprintf("[%s] %s", cmd.Date, value)
		}
		var metadata map[string]any
		if cmd.Author != "" {
			metadata = map[string]any{"author": cmd.Author}
		}
		return p.AddFeature(ctx, userID, cmd.Feature, value, cmd.Tag, metadata, isolations, []int64{citationID})
	case "delete":
		var value *string
		if cmd.HasValue {
			value = &cmd.Value
		}
		return p.DeleteFeature(ctx, userID, cmd.Feature, cmd.Tag, value, isolations)
	default:
		return fmt.Errorf("unknown command op %q", cmd.Op)
	}
}

// renderUpdatePrompt wraps the current profile and the new message in the
// envelope the update prompt expects.
func renderUpdatePrompt(profile store.Profile, content string) string {
	rendered, err := json.Marshal(profile)
	if err != nil {
		rendered = []byte("{}")
	}
	return fmt.Sprintf(
		"The old profile is provided below:\n"+
			"<OLD_PROFILE>\n%s\n</OLD_PROFILE>\n\n"+
			"The history is provided below:\n"+
			"<HISTORY>\n%s\n</HISTORY>\n",
		rendered, content)
}
