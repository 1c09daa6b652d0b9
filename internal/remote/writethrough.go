package remote

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/arkilian/rowcache/internal/events"
)

// WriteThrough mirrors record writes of remote-backed entities to the API:
// creating → POST <base>, updating → PUT <base>/<key>, deleting → DELETE <base>/<key>.
type WriteThrough struct {
	client *Client
	debug  bool
}

// NewWriteThrough creates a write-through bound to client.
func NewWriteThrough(client *Client, debug bool) *WriteThrough {
	return &WriteThrough{client: client, debug: debug}
}

// Register subscribes the write-through to bus and returns a function
// removing every subscription.
func (w *WriteThrough) Register(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(events.Creating, w.OnCreating),
		bus.Subscribe(events.Updating, w.OnUpdating),
		bus.Subscribe(events.Deleting, w.OnDeleting),
		bus.Subscribe(events.Saving, w.OnSaving),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// OnCreating posts the new record.
func (w *WriteThrough) OnCreating(ctx context.Context, ev events.Event) error {
	if ev.Entity == nil || !ev.Entity.UsesAPI() {
		return nil
	}
	_, err := w.client.Request(ctx, http.MethodPost, ev.Entity.URI(), ev.Record)
	return err
}

// OnUpdating puts the changed record to its key path.
func (w *WriteThrough) OnUpdating(ctx context.Context, ev events.Event) error {
	if ev.Entity == nil || !ev.Entity.UsesAPI() {
		return nil
	}
	_, err := w.client.Request(ctx, http.MethodPut, keyPath(ev), ev.Record)
	return err
}

// OnDeleting deletes the record at its key path.
func (w *WriteThrough) OnDeleting(ctx context.Context, ev events.Event) error {
	if ev.Entity == nil || !ev.Entity.UsesAPI() {
		return nil
	}
	_, err := w.client.Request(ctx, http.MethodDelete, keyPath(ev), ev.Record)
	return err
}

// OnSaving only logs; saves are mirrored by the creating/updating handlers.
func (w *WriteThrough) OnSaving(ctx context.Context, ev events.Event) error {
	if w.debug && ev.Entity != nil {
		log.Printf("remote: saving %s record %v", ev.Entity.Name, ev.Key)
	}
	return nil
}

func keyPath(ev events.Event) string {
	return strings.TrimRight(ev.Entity.URI(), "/") + "/" + fmt.Sprint(ev.Key)
}
