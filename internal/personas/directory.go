package personas

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultSmartFetchLimit = 5000
	randomPoolSize         = 500
	defaultListLimit       = 50
	defaultSearchLimit     = 20
)

// Filters narrows a persona query. Gender is deliberately absent: it is applied
// after the query from the requesting user's preference.
type Filters struct {
	MinAge       int
	MaxAge       int
	Location     string
	VerifiedOnly bool
	PremiumOnly  bool
	Limit        int
}

// UserProfile carries the requesting user's discovery preferences.
type UserProfile struct {
	UserID     string
	LookingFor string
}

// DirectoryConfig describes the dependencies of the persona directory.
type DirectoryConfig struct {
	Database               *gorm.DB
	IDProvider             ids.Provider
	Clock                  func() time.Time
	Logger                 *zap.Logger
	Metrics                *metrics.Metrics
	RandomSource           rand.Source
	SmartFetchLimit        int
	ServerSideGenderFilter bool
}

// Directory queries and maintains persona documents.
type Directory struct {
	db               *gorm.DB
	idProvider       ids.Provider
	clock            func() time.Time
	logger           *zap.Logger
	metrics          *metrics.Metrics
	smartFetchLimit  int
	serverSideGender bool

	randomMu sync.Mutex
	random   *rand.Rand
}

func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("personas: database connection required")
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	source := cfg.RandomSource
	if source == nil {
		source = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	limit := cfg.SmartFetchLimit
	if limit <= 0 {
		limit = defaultSmartFetchLimit
	}
	return &Directory{
		db:               cfg.Database,
		idProvider:       idProvider,
		clock:            clock,
		logger:           logger,
		metrics:          cfg.Metrics,
		smartFetchLimit:  limit,
		serverSideGender: cfg.ServerSideGenderFilter,
		random:           rand.New(source),
	}, nil
}

// GetPersona loads a single persona.
func (d *Directory) GetPersona(ctx context.Context, id PersonaID) (Persona, error) {
	if strings.TrimSpace(id.String()) == "" {
		return Persona{}, ErrInvalidPersonaID
	}
	var persona Persona
	err := d.db.WithContext(ctx).Where("persona_id = ?", id.String()).Take(&persona).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Persona{}, ErrPersonaNotFound
	}
	if err != nil {
		return Persona{}, fmt.Errorf("personas: load %s: %w", id, err)
	}
	return persona, nil
}

// ListPersonas returns active personas matching filters, most recently active
// first. It returns an empty list on failure.
func (d *Directory) ListPersonas(ctx context.Context, filters Filters) []Persona {
	limit := filters.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var found []Persona
	if err := d.filteredQuery(ctx, filters).Limit(limit).Find(&found).Error; err != nil {
		d.logError("personas.list", "query_failed", err)
		return []Persona{}
	}
	return found
}

// SearchPersonas matches query against username, display name, bio, and
// location. It returns an empty list for a blank query or on failure.
func (d *Directory) SearchPersonas(ctx context.Context, query string, limit int) []Persona {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return []Persona{}
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	pattern := "%" + escapeLike(needle) + "%"
	var found []Persona
	err := d.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where(`LOWER(username) LIKE ? ESCAPE '\' OR LOWER(display_name) LIKE ? ESCAPE '\' OR LOWER(bio) LIKE ? ESCAPE '\' OR LOWER(location) LIKE ? ESCAPE '\'`,
			pattern, pattern, pattern, pattern).
		Order("last_active_at DESC").
		Limit(limit).
		Find(&found).Error
	if err != nil {
		d.logError("personas.search", "query_failed", err, zap.String("query", query))
		return []Persona{}
	}
	return found
}

// CreatePersona inserts a new persona, assigning an id when none is set.
func (d *Directory) CreatePersona(ctx context.Context, persona Persona) (Persona, error) {
	if persona.PersonaID == "" {
		id, err := d.idProvider.NewID()
		if err != nil {
			return Persona{}, fmt.Errorf("personas: generate id: %w", err)
		}
		persona.PersonaID = PersonaID(id)
	}
	if err := d.db.WithContext(ctx).Create(&persona).Error; err != nil {
		return Persona{}, fmt.Errorf("personas: create %s: %w", persona.PersonaID, err)
	}
	return persona, nil
}

// UpsertPersona inserts persona or replaces the stored document with it.
func (d *Directory) UpsertPersona(ctx context.Context, persona Persona) error {
	if persona.PersonaID == "" {
		return ErrInvalidPersonaID
	}
	err := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "persona_id"}},
			UpdateAll: true,
		}).
		Create(&persona).Error
	if err != nil {
		return fmt.Errorf("personas: upsert %s: %w", persona.PersonaID, err)
	}
	return nil
}

// ImportDocuments parses raw persona documents and upserts them. Documents
// without an id are skipped. It returns the number stored.
func (d *Directory) ImportDocuments(ctx context.Context, documents []map[string]any) (int, error) {
	imported := 0
	for index, raw := range documents {
		persona := ParsePersona(raw)
		if persona.PersonaID == "" {
			d.logger.Warn("persona import skipped document without id", zap.Int("index", index))
			continue
		}
		if err := d.UpsertPersona(ctx, persona); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

// SmartFetchPersonas queries candidates on everything but gender, then keeps
// the ones matching the profile's preference. With the server-side filter
// enabled the normalised gender_class column narrows the query as well.
func (d *Directory) SmartFetchPersonas(ctx context.Context, profile UserProfile, filters Filters) []Persona {
	query := d.filteredQuery(ctx, filters)
	class := PreferredClass(profile.LookingFor)
	if d.serverSideGender && class != GenderUnknown {
		query = query.Where("gender_class = ?", string(class))
	}
	limit := d.smartFetchLimit
	if filters.Limit > 0 && filters.Limit < limit {
		limit = filters.Limit
	}

	var candidates []Persona
	if err := query.Limit(limit).Find(&candidates).Error; err != nil {
		d.logError("personas.smart_fetch", "query_failed", err, zap.String("user_id", profile.UserID))
		return []Persona{}
	}
	d.metrics.ObservePersonaCandidates(len(candidates))
	return FilterByGenderPreference(candidates, profile.LookingFor)
}

// GetRandomPersonas draws up to count active personas, skipping excludeIDs.
func (d *Directory) GetRandomPersonas(ctx context.Context, count int, excludeIDs []PersonaID) []Persona {
	if count <= 0 {
		return []Persona{}
	}
	var pool []Persona
	if err := d.db.WithContext(ctx).
		Where("is_active = ?", true).
		Limit(randomPoolSize).
		Find(&pool).Error; err != nil {
		d.logError("personas.random", "query_failed", err)
		return []Persona{}
	}

	excluded := make(map[PersonaID]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = struct{}{}
	}
	eligible := pool[:0]
	for _, persona := range pool {
		if _, skip := excluded[persona.PersonaID]; !skip {
			eligible = append(eligible, persona)
		}
	}

	d.shuffle(eligible)
	if len(eligible) > count {
		eligible = eligible[:count]
	}
	return eligible
}

// IncrementStat adds delta to a persona counter in a single statement.
func (d *Directory) IncrementStat(ctx context.Context, id PersonaID, stat Stat, delta int64) error {
	if err := stat.validate(); err != nil {
		return err
	}
	column := string(stat)
	result := d.db.WithContext(ctx).
		Model(&Persona{}).
		Where("persona_id = ?", id.String()).
		UpdateColumn(column, gorm.Expr(column+" + ?", delta))
	if result.Error != nil {
		return fmt.Errorf("personas: increment %s for %s: %w", column, id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrPersonaNotFound
	}
	return nil
}

// TouchLastActive stamps the persona's last activity time.
func (d *Directory) TouchLastActive(ctx context.Context, id PersonaID) error {
	result := d.db.WithContext(ctx).
		Model(&Persona{}).
		Where("persona_id = ?", id.String()).
		UpdateColumn("last_active_at", d.clock().UTC())
	if result.Error != nil {
		return fmt.Errorf("personas: touch %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrPersonaNotFound
	}
	return nil
}

func (d *Directory) filteredQuery(ctx context.Context, filters Filters) *gorm.DB {
	query := d.db.WithContext(ctx).Model(&Persona{}).Where("is_active = ?", true)
	if filters.MinAge > 0 {
		query = query.Where("age >= ?", filters.MinAge)
	}
	if filters.MaxAge > 0 {
		query = query.Where("age <= ?", filters.MaxAge)
	}
	if location := strings.TrimSpace(filters.Location); location != "" {
		query = query.Where("location = ?", location)
	}
	if filters.VerifiedOnly {
		query = query.Where("is_verified = ?", true)
	}
	if filters.PremiumOnly {
		query = query.Where("is_premium = ?", true)
	}
	return query.Order("last_active_at DESC").Order("persona_id")
}

// shuffle is an in-place Fisher-Yates shuffle.
func (d *Directory) shuffle(personas []Persona) {
	d.randomMu.Lock()
	defer d.randomMu.Unlock()
	for i := len(personas) - 1; i > 0; i-- {
		j := d.random.IntN(i + 1)
		personas[i], personas[j] = personas[j], personas[i]
	}
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func (d *Directory) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	d.logger.Error("persona directory error", attrs...)
}
