package services

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iota-uz/crm-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/crm-ingest/modules/ingest/infrastructure/persistence"
	"github.com/iota-uz/crm-ingest/pkg/logging"
)

// CacheEntry is the resolved identity of one cached value.
type CacheEntry struct {
	ID         int64
	DocumentID string
}

// DictionaryLoader reads the lookup tables the cache preloads.
type DictionaryLoader interface {
	LoadDictionary(ctx context.Context, category string) ([]persistence.DictionaryRow, error)
	LoadContacts(ctx context.Context) ([]persistence.ContactRow, error)
	LoadListMembership(ctx context.Context) (map[int64][]int64, error)
}

// RelationCache maps raw relation values to ids, per category. Contacts
// are keyed by each identifying field, everything else by name. Entries
// are monotonic: once a key resolves, later writes never replace it.
type RelationCache struct {
	log *logrus.Entry

	mu          sync.RWMutex
	categories  map[string]map[string]CacheEntry
	listMembers map[int64]map[int64]struct{}
	loaded      bool
}

func NewRelationCache(log *logrus.Entry) *RelationCache {
	if log == nil {
		log = logging.Nop()
	}
	return &RelationCache{
		log:         log,
		categories:  make(map[string]map[string]CacheEntry),
		listMembers: make(map[int64]map[int64]struct{}),
	}
}

// Preload loads every dictionary category, the contact identity map and
// the list membership map, one query per category, concurrently.
func (c *RelationCache) Preload(ctx context.Context, repo DictionaryLoader) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, category := range record.DictionaryCategories {
		g.Go(func() error {
			rows, err := repo.LoadDictionary(ctx, category)
			if err != nil {
				return err
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			for _, row := range rows {
				if row.Name == "" {
					continue
				}
				c.setLocked(category, row.Name, CacheEntry{ID: row.ID, DocumentID: row.DocumentID})
			}
			c.log.WithField("category", category).WithField("rows", len(rows)).Debug("cache: dictionary loaded")
			return nil
		})
	}

	g.Go(func() error {
		rows, err := repo.LoadContacts(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, row := range rows {
			entry := CacheEntry{ID: row.ID, DocumentID: row.DocumentID}
			for _, key := range []string{row.Email, row.Phone, row.MobilePhone, row.LinkedinURL} {
				if key == "" {
					continue
				}
				c.setLocked("contacts", key, entry)
			}
		}
		c.log.WithField("rows", len(rows)).Debug("cache: contacts loaded")
		return nil
	})

	g.Go(func() error {
		members, err := repo.LoadListMembership(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		for listID, contactIDs := range members {
			set := make(map[int64]struct{}, len(contactIDs))
			for _, id := range contactIDs {
				set[id] = struct{}{}
			}
			c.listMembers[listID] = set
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	c.mu.Lock()
	c.loaded = true
	c.mu.Unlock()
	return nil
}

func (c *RelationCache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

func (c *RelationCache) Get(category, key string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.categories[category][record.Normalize(key)]
	return entry, ok
}

// Set writes through a freshly created value. Existing keys win.
func (c *RelationCache) Set(category, key string, entry CacheEntry) {
	key = record.Normalize(key)
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(category, key, entry)
}

func (c *RelationCache) setLocked(category, key string, entry CacheEntry) {
	m, ok := c.categories[category]
	if !ok {
		m = make(map[string]CacheEntry)
		c.categories[category] = m
	}
	norm := record.Normalize(key)
	if _, exists := m[norm]; !exists {
		m[norm] = entry
	}
}

// Missing filters values down to those with no cache entry yet.
func (c *RelationCache) Missing(category string, values []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.categories[category]
	var out []string
	for _, v := range values {
		if _, ok := m[record.Normalize(v)]; !ok {
			out = append(out, v)
		}
	}
	return out
}

// LookupEntity resolves a record against its identifying fields.
func (c *RelationCache) LookupEntity(kind record.EntityKind, r record.Record) (CacheEntry, bool) {
	category := "contacts"
	if kind == record.Organizations {
		category = "organizations"
	}
	for _, key := range record.IdentifyingKeys(kind) {
		value := r.String(key)
		if value == "" {
			continue
		}
		if entry, ok := c.Get(category, value); ok {
			return entry, true
		}
	}
	return CacheEntry{}, false
}

// ListsOf reports which lists a contact already belongs to.
func (c *RelationCache) ListsOf(contactID int64) []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []int64
	for listID, members := range c.listMembers {
		if _, ok := members[contactID]; ok {
			out = append(out, listID)
		}
	}
	return out
}

// AddListMember records a new membership written through after linking.
func (c *RelationCache) AddListMember(listID, contactID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.listMembers[listID]
	if !ok {
		set = make(map[int64]struct{})
		c.listMembers[listID] = set
	}
	set[contactID] = struct{}{}
}

// Size reports the entry count of one category.
func (c *RelationCache) Size(category string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.categories[category])
}
