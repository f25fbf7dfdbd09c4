package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/dsdown/internal/catalog"
)

// UnknownDate labels chapters without a release date in GroupByDate.
const UnknownDate = "Unknown Date"

const dateLayout = "2006-01-02"

// DateGroup is a run of unprocessed chapters released on the same day.
type DateGroup struct {
	Date     string            `json:"date"`
	Chapters []catalog.Chapter `json:"chapters"`
}

// ListUnprocessed returns chapters awaiting a decision, newest first.
func (p *Pipeline) ListUnprocessed(ctx context.Context) ([]catalog.Chapter, error) {
	chapters, err := p.store.ListUnprocessed(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed: %w", err)
	}
	return chapters, nil
}

// GroupByDate buckets chapters by release day keeping their order. Undated
// chapters are collected under UnknownDate, which always comes last.
func GroupByDate(chapters []catalog.Chapter) []DateGroup {
	var (
		groups  []DateGroup
		index   = map[string]int{}
		undated []catalog.Chapter
	)
	for _, ch := range chapters {
		if ch.ReleaseDate == nil {
			undated = append(undated, ch)
			continue
		}
		key := ch.ReleaseDate.Format(dateLayout)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, DateGroup{Date: key})
		}
		groups[i].Chapters = append(groups[i].Chapters, ch)
	}
	if len(undated) > 0 {
		groups = append(groups, DateGroup{Date: UnknownDate, Chapters: undated})
	}
	return groups
}

// Dismiss marks the chapters at urls processed without queueing them. Unknown
// URLs are reported together after the known ones are dismissed.
func (p *Pipeline) Dismiss(ctx context.Context, urls ...string) (int, error) {
	var (
		ids     []int64
		missing []string
	)
	for _, url := range urls {
		ch, err := p.store.GetChapterByURL(ctx, p.parser.Canonical(url))
		if errors.Is(err, catalog.ErrNotFound) {
			missing = append(missing, url)
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("lookup chapter %s: %w", url, err)
		}
		ids = append(ids, ch.ID)
	}
	if len(ids) > 0 {
		if err := p.store.MarkProcessed(ctx, ids...); err != nil {
			return 0, fmt.Errorf("dismiss chapters: %w", err)
		}
		p.logger.Info("chapters dismissed", zap.Int("count", len(ids)))
	}
	if len(missing) > 0 {
		return len(ids), fmt.Errorf("%w: %s", catalog.ErrNotFound, strings.Join(missing, ", "))
	}
	return len(ids), nil
}

// QueueAdd registers chapterURL if needed and queues it at priority.
func (p *Pipeline) QueueAdd(ctx context.Context, chapterURL string, priority int) (catalog.QueueEntry, bool, error) {
	chapter, err := p.walker.Register(ctx, chapterURL)
	if err != nil {
		return catalog.QueueEntry{}, false, err
	}
	entry, created, err := p.queue.Enqueue(ctx, chapter.ID, priority)
	if err != nil {
		return catalog.QueueEntry{}, false, err
	}
	p.refreshGauges(ctx)
	return entry, created, nil
}

// QueueItem pairs an entry with its chapter for display.
type QueueItem struct {
	catalog.QueueEntry
	Chapter catalog.Chapter `json:"chapter"`
}

// QueueList returns pending and downloading entries in drain order.
func (p *Pipeline) QueueList(ctx context.Context) ([]QueueItem, error) {
	entries, err := p.queue.List(ctx)
	if err != nil {
		return nil, err
	}
	return p.withChapters(ctx, entries)
}

// QueueFailed returns failed entries with their error messages.
func (p *Pipeline) QueueFailed(ctx context.Context) ([]QueueItem, error) {
	entries, err := p.queue.ListFailed(ctx)
	if err != nil {
		return nil, err
	}
	return p.withChapters(ctx, entries)
}

// QueueReset moves a failed or interrupted entry back to pending.
func (p *Pipeline) QueueReset(ctx context.Context, entryID int64) error {
	if err := p.queue.Reset(ctx, entryID); err != nil {
		return err
	}
	p.refreshGauges(ctx)
	return nil
}

// QueueRemove deletes a pending or failed entry.
func (p *Pipeline) QueueRemove(ctx context.Context, entryID int64) error {
	if err := p.queue.Remove(ctx, entryID); err != nil {
		return err
	}
	p.refreshGauges(ctx)
	return nil
}

func (p *Pipeline) withChapters(ctx context.Context, entries []catalog.QueueEntry) ([]QueueItem, error) {
	items := make([]QueueItem, 0, len(entries))
	for _, e := range entries {
		ch, err := p.store.GetChapter(ctx, e.ChapterID)
		if err != nil {
			return nil, fmt.Errorf("load chapter %d: %w", e.ChapterID, err)
		}
		items = append(items, QueueItem{QueueEntry: e, Chapter: ch})
	}
	return items, nil
}
