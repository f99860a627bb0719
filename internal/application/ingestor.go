package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/exfm/bob/internal/domain/model"
)

// AllRepos subscribes a handler to every watched repository.
const AllRepos = "*"

// ErrNotWatched is returned by Publish for repositories that were never watched.
var ErrNotWatched = errors.New("repository not watched")

// EventHandler receives a batch of events for one repository, oldest first.
type EventHandler func(ctx context.Context, repo string, events []model.Event)

// EventIngestor fans delivered repository events out to handlers. Each
// watched repository gets its own topic on an in-process pub/sub and its own
// consumer, so events of one repository keep their arrival order while
// repositories never wait on each other. Deliveries arriving within the
// coalesce window are handed to handlers as one batch.
type EventIngestor struct {
	pubsub *gochannel.GoChannel
	window time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	watched  map[string]bool
	handlers map[string][]EventHandler
	// publishLocks serialize publishes per topic so arrival order is topic
	// order. A repository whose consumer lags only blocks its own publishers.
	publishLocks map[string]*sync.Mutex
}

// NewEventIngestor creates an EventIngestor that batches deliveries over window.
// A zero window hands every event over on its own.
func NewEventIngestor(window time.Duration) *EventIngestor {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            64,
			BlockPublishUntilSubscriberAck: true,
		},
		watermill.NewSlogLogger(slog.Default()),
	)

	return &EventIngestor{
		pubsub:   pubsub,
		window:   window,
		ctx:      ctx,
		cancel:   cancel,
		watched:      make(map[string]bool),
		handlers:     make(map[string][]EventHandler),
		publishLocks: make(map[string]*sync.Mutex),
	}
}

// repoKey normalizes repository names; the hosting provider treats them case
// insensitively.
func repoKey(repo string) string {
	return strings.ToLower(repo)
}

func topic(repo string) string {
	return "repo." + repoKey(repo)
}

// Watch subscribes repo. Watching a repository twice is a no-op.
func (i *EventIngestor) Watch(repo string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	key := repoKey(repo)
	if i.watched[key] {
		return nil
	}

	msgs, err := i.pubsub.Subscribe(i.ctx, topic(repo))
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", repo, err)
	}
	i.watched[key] = true
	i.publishLocks[key] = &sync.Mutex{}

	batches := make(chan []model.Event, 16)
	i.wg.Add(2)
	go i.collect(repo, msgs, batches)
	go i.deliver(repo, batches)

	slog.Info("watching repository events", "repo", repo)
	return nil
}

// Watching reports whether repo is watched.
func (i *EventIngestor) Watching(repo string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.watched[repoKey(repo)]
}

// Watched returns the watched repositories, sorted.
func (i *EventIngestor) Watched() []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	repos := make([]string, 0, len(i.watched))
	for repo := range i.watched {
		repos = append(repos, repo)
	}
	slices.Sort(repos)
	return repos
}

// OnEvent attaches handler to repo's events, or to every repository's when
// repo is AllRepos. Handlers may be attached before or after Watch.
func (i *EventIngestor) OnEvent(repo string, handler EventHandler) {
	i.mu.Lock()
	defer i.mu.Unlock()

	key := repo
	if repo != AllRepos {
		key = repoKey(repo)
	}
	i.handlers[key] = append(i.handlers[key], handler)
}

// Publish queues event for its repository's handlers. It returns once the
// repository's consumer has taken the event.
func (i *EventIngestor) Publish(ctx context.Context, event model.Event) error {
	i.mu.Lock()
	lock := i.publishLocks[repoKey(event.Repo)]
	i.mu.Unlock()
	if lock == nil {
		return fmt.Errorf("%s: %w", event.Repo, ErrNotWatched)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", event.DeliveryID, err)
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("delivery_id", event.DeliveryID)
	msg.Metadata.Set("kind", string(event.Kind))
	msg.SetContext(ctx)

	lock.Lock()
	defer lock.Unlock()

	if err := i.pubsub.Publish(topic(event.Repo), msg); err != nil {
		return fmt.Errorf("publishing event %s: %w", event.DeliveryID, err)
	}
	return nil
}

// Close stops every consumer. Batches already collected are still delivered.
func (i *EventIngestor) Close() error {
	i.cancel()
	err := i.pubsub.Close()
	i.wg.Wait()
	return err
}

// collect reads repo's topic and groups events into batches.
func (i *EventIngestor) collect(repo string, msgs <-chan *message.Message, batches chan<- []model.Event) {
	defer i.wg.Done()
	defer close(batches)

	var (
		batch  []model.Event
		timer  *time.Timer
		expiry <-chan time.Time
	)
	flush := func() {
		if len(batch) > 0 {
			batches <- batch
			batch = nil
		}
	}

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				if timer != nil {
					timer.Stop()
				}
				flush()
				return
			}

			var event model.Event
			err := json.Unmarshal(msg.Payload, &event)
			msg.Ack()
			if err != nil {
				slog.Error("dropping undecodable event", "repo", repo, "message_id", msg.UUID, "error", err)
				continue
			}

			batch = append(batch, event)
			if i.window <= 0 {
				flush()
				continue
			}
			if expiry == nil {
				timer = time.NewTimer(i.window)
				expiry = timer.C
			}

		case <-expiry:
			expiry = nil
			timer = nil
			flush()
		}
	}
}

// deliver hands batches to the handlers attached at delivery time.
func (i *EventIngestor) deliver(repo string, batches <-chan []model.Event) {
	defer i.wg.Done()

	// Batches flushed during Close still reach handlers.
	ctx := context.WithoutCancel(i.ctx)

	for batch := range batches {
		i.mu.Lock()
		handlers := slices.Concat(i.handlers[repoKey(repo)], i.handlers[AllRepos])
		i.mu.Unlock()

		slog.Debug("delivering events", "repo", repo, "count", len(batch), "handlers", len(handlers))
		for _, h := range handlers {
			h(ctx, repo, batch)
		}
	}
}
