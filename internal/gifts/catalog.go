package gifts

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"slices"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	staticGiftsFile   = "gifts.json"
	animatedGiftsFile = "animated-gifts.json"

	// CategoryAll selects every gift.
	CategoryAll = "all"
	// CategoryPopular selects gifts above the popularity threshold.
	CategoryPopular = "popular"
	// CategoryFeatured is the bucket name for featured gifts when grouping.
	CategoryFeatured = "featured"

	popularityThreshold = 200
	featuredCount       = 8
)

//go:embed data/*.json
var embeddedData embed.FS

// DefaultSource returns the catalog files bundled with the binary.
func DefaultSource() fs.FS {
	source, err := fs.Sub(embeddedData, "data")
	if err != nil {
		panic(err)
	}
	return source
}

// GiftID identifies a catalog gift.
type GiftID int

// GiftCatalogItem is a read-only catalog entry.
type GiftCatalogItem struct {
	ID              GiftID   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Category        string   `json:"category"`
	Subcategory     string   `json:"subcategory,omitempty"`
	Price           int64    `json:"price"`
	IsAnimated      bool     `json:"isAnimated"`
	ImageURL        string   `json:"imageUrl"`
	AnimationURL    string   `json:"animationUrl,omitempty"`
	PopularityScore int      `json:"popularityScore"`
	Tags            []string `json:"tags,omitempty"`
}

// CatalogConfig describes where the catalog is loaded from.
type CatalogConfig struct {
	Source fs.FS
	Logger *zap.Logger
}

// Catalog serves the static gift list. The first successful load is cached
// for the lifetime of the process; a failed load is retried on the next call.
type Catalog struct {
	source fs.FS
	logger *zap.Logger

	mu     sync.Mutex
	items  []GiftCatalogItem
	loaded bool
}

// NewCatalog constructs a catalog over the provided source, defaulting to the
// bundled files.
func NewCatalog(cfg CatalogConfig) *Catalog {
	source := cfg.Source
	if source == nil {
		source = DefaultSource()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{source: source, logger: logger}
}

// LoadAllGifts returns the static and animated gifts, in that order.
func (c *Catalog) LoadAllGifts(ctx context.Context) []GiftCatalogItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return slices.Clone(c.items)
	}
	if err := ctx.Err(); err != nil {
		return []GiftCatalogItem{}
	}

	static, err := c.readFile(staticGiftsFile)
	if err != nil {
		c.logger.Error("gift catalog load failed", zap.String("file", staticGiftsFile), zap.Error(err))
		return []GiftCatalogItem{}
	}
	animated, err := c.readFile(animatedGiftsFile)
	if err != nil {
		c.logger.Error("gift catalog load failed", zap.String("file", animatedGiftsFile), zap.Error(err))
		return []GiftCatalogItem{}
	}

	c.items = append(static, animated...)
	c.loaded = true
	c.logger.Info("gift catalog loaded", zap.Int("gifts", len(c.items)))
	return slices.Clone(c.items)
}

// GetGiftByID looks up a single gift.
func (c *Catalog) GetGiftByID(ctx context.Context, id GiftID) (GiftCatalogItem, bool) {
	for _, item := range c.LoadAllGifts(ctx) {
		if item.ID == id {
			return item, true
		}
	}
	return GiftCatalogItem{}, false
}

// GetGiftsByCategory returns every gift for "all", the gifts scoring above 200
// sorted by popularity for "popular", and an exact category match otherwise.
func (c *Catalog) GetGiftsByCategory(ctx context.Context, category string) []GiftCatalogItem {
	items := c.LoadAllGifts(ctx)
	switch category {
	case CategoryAll:
		return items
	case CategoryPopular:
		popular := make([]GiftCatalogItem, 0, len(items))
		for _, item := range items {
			if item.PopularityScore > popularityThreshold {
				popular = append(popular, item)
			}
		}
		sortByPopularity(popular)
		return popular
	default:
		matches := make([]GiftCatalogItem, 0)
		for _, item := range items {
			if item.Category == category {
				matches = append(matches, item)
			}
		}
		return matches
	}
}

// GetFeaturedGifts returns the eight most popular gifts.
func (c *Catalog) GetFeaturedGifts(ctx context.Context) []GiftCatalogItem {
	items := c.LoadAllGifts(ctx)
	sortByPopularity(items)
	if len(items) > featuredCount {
		items = items[:featuredCount]
	}
	return items
}

// GetGiftsGroupedByCategory buckets gifts by category. Featured gifts get their
// own bucket and are left out of their category bucket.
func (c *Catalog) GetGiftsGroupedByCategory(ctx context.Context) map[string][]GiftCatalogItem {
	featured := c.GetFeaturedGifts(ctx)
	featuredIDs := make(map[GiftID]struct{}, len(featured))
	for _, item := range featured {
		featuredIDs[item.ID] = struct{}{}
	}

	grouped := map[string][]GiftCatalogItem{}
	if len(featured) > 0 {
		grouped[CategoryFeatured] = featured
	}
	for _, item := range c.LoadAllGifts(ctx) {
		if _, ok := featuredIDs[item.ID]; ok {
			continue
		}
		grouped[item.Category] = append(grouped[item.Category], item)
	}
	return grouped
}

// Categories returns the distinct catalog categories in alphabetical order.
func (c *Catalog) Categories(ctx context.Context) []string {
	seen := map[string]struct{}{}
	var categories []string
	for _, item := range c.LoadAllGifts(ctx) {
		if _, ok := seen[item.Category]; ok || item.Category == "" {
			continue
		}
		seen[item.Category] = struct{}{}
		categories = append(categories, item.Category)
	}
	sort.Strings(categories)
	return categories
}

// SearchGifts matches the query against names, descriptions, and tags,
// case-insensitively. Results keep catalog order.
func (c *Catalog) SearchGifts(ctx context.Context, query string) []GiftCatalogItem {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return []GiftCatalogItem{}
	}
	matches := make([]GiftCatalogItem, 0)
	for _, item := range c.LoadAllGifts(ctx) {
		if matchesQuery(item, needle) {
			matches = append(matches, item)
		}
	}
	return matches
}

func matchesQuery(item GiftCatalogItem, needle string) bool {
	if strings.Contains(strings.ToLower(item.Name), needle) ||
		strings.Contains(strings.ToLower(item.Description), needle) {
		return true
	}
	for _, tag := range item.Tags {
		if strings.EqualFold(tag, needle) {
			return true
		}
	}
	return false
}

func (c *Catalog) readFile(name string) ([]GiftCatalogItem, error) {
	raw, err := fs.ReadFile(c.source, name)
	if err != nil {
		return nil, err
	}
	var items []GiftCatalogItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	valid := items[:0]
	for _, item := range items {
		if item.ID <= 0 || item.Price <= 0 {
			c.logger.Warn("gift catalog entry skipped",
				zap.String("file", name),
				zap.Int("gift_id", int(item.ID)),
				zap.Int64("price", item.Price))
			continue
		}
		valid = append(valid, item)
	}
	return valid, nil
}

func sortByPopularity(items []GiftCatalogItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PopularityScore > items[j].PopularityScore
	})
}
