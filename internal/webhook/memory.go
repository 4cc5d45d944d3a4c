package webhook

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

// MemoryRepository serves subscribers from configuration and keeps delivery
// state in process
type MemoryRepository struct {
	webhooks []*models.Webhook

	mu         sync.Mutex
	deliveries map[string]*models.WebhookDelivery
}

// NewMemoryRepository creates a repository over configured subscribers.
// Subscribers without an id get one derived from their position.
func NewMemoryRepository(webhooks []models.Webhook) *MemoryRepository {
	repo := &MemoryRepository{deliveries: make(map[string]*models.WebhookDelivery)}
	for i := range webhooks {
		wh := webhooks[i]
		if wh.ID == "" {
			wh.ID = fmt.Sprintf("webhook-%d", i+1)
		}
		repo.webhooks = append(repo.webhooks, &wh)
	}
	return repo
}

// GetWebhooksByEvent implements Repository
func (m *MemoryRepository) GetWebhooksByEvent(ctx context.Context, event string) ([]*models.Webhook, error) {
	var out []*models.Webhook
	for _, wh := range m.webhooks {
		if wh.Subscribes(event) {
			out = append(out, wh)
		}
	}
	return out, nil
}

// CreateDelivery implements Repository
func (m *MemoryRepository) CreateDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := *delivery
	m.deliveries[delivery.ID] = &d
	return nil
}

// UpdateDelivery implements Repository. Finished deliveries are forgotten.
func (m *MemoryRepository) UpdateDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if delivery.Status != models.WebhookDeliveryStatusPending {
		delete(m.deliveries, delivery.ID)
		return nil
	}
	d := *delivery
	m.deliveries[delivery.ID] = &d
	return nil
}

// GetPendingDeliveries implements Repository
func (m *MemoryRepository) GetPendingDeliveries(ctx context.Context, limit int) ([]*models.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.WebhookDelivery, 0, len(m.deliveries))
	for _, d := range m.deliveries {
		if d.Status == models.WebhookDeliveryStatusPending {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Pending returns the number of deliveries awaiting a retry
func (m *MemoryRepository) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deliveries)
}
