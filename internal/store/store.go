package store

import (
	"context"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"quotefeed/internal/quote"
)

// quoteRow is one durable quote observation, keyed (symbol, quote_date) so
// the upsert is idempotent: re-writing the same day replaces in place.
type quoteRow struct {
	ID        uint      `gorm:"primaryKey"`
	Symbol    string    `gorm:"column:symbol;uniqueIndex:idx_symbol_date"`
	QuoteDate string    `gorm:"column:quote_date;uniqueIndex:idx_symbol_date"` // YYYY-MM-DD
	Name      string    `gorm:"column:name"`
	Type      string    `gorm:"column:type"`
	Exchange  string    `gorm:"column:exchange"`
	Price     string    `gorm:"column:price"`
	ChangePct *string   `gorm:"column:change_pct"`
	Volume    *int64    `gorm:"column:volume"`
	Currency  string    `gorm:"column:currency"`
	QuoteTime time.Time `gorm:"column:quote_time"`
	Source    string    `gorm:"column:data_source"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (quoteRow) TableName() string { return "quotes" }

type watchlistRow struct {
	ID       uint   `gorm:"primaryKey"`
	Symbol   string `gorm:"column:symbol;uniqueIndex"`
	Type     string `gorm:"column:type"`
	Market   string `gorm:"column:market"`
	Name     string `gorm:"column:name"`
	Exchange string `gorm:"column:exchange"`
	AddedAt  time.Time
	Pos      int `gorm:"column:pos"`
}

func (watchlistRow) TableName() string { return "watchlist" }

// Store is the durable collaborator: quote history upserts and the ordered
// watchlist that seeds a default query batch.
type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&quoteRow{}, &watchlistRow{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// UpsertQuotes writes finished canonical records. Idempotent on
// (symbol, quote_date): safe to call repeatedly with the same data.
func (s *Store) UpsertQuotes(ctx context.Context, records []quote.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]quoteRow, 0, len(records))
	for _, r := range records {
		row := quoteRow{
			Symbol:    r.Symbol,
			QuoteDate: r.QuoteTime.UTC().Format("2006-01-02"),
			Name:      r.Name,
			Type:      string(r.Type),
			Exchange:  r.Exchange,
			Price:     r.Price.String(),
			Volume:    r.Volume,
			Currency:  r.Currency,
			QuoteTime: r.QuoteTime.UTC(),
			Source:    r.Source,
			UpdatedAt: time.Now().UTC(),
		}
		if r.ChangePct != nil {
			v := r.ChangePct.String()
			row.ChangePct = &v
		}
		rows = append(rows, row)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}, {Name: "quote_date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "price", "change_pct", "volume", "quote_time", "data_source", "updated_at",
		}),
	}).Create(&rows).Error
}

// Watchlist returns the ordered symbol list seeding a default batch.
func (s *Store) Watchlist(ctx context.Context) ([]quote.Query, error) {
	var rows []watchlistRow
	if err := s.db.WithContext(ctx).Order("pos asc, id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]quote.Query, 0, len(rows))
	for _, r := range rows {
		out = append(out, quote.Query{
			Symbol: r.Symbol,
			Type:   quote.AssetType(r.Type),
			Market: quote.Market(r.Market),
		})
	}
	return out, nil
}

// AddToWatchlist appends a symbol; existing symbols keep their position.
func (s *Store) AddToWatchlist(ctx context.Context, q quote.Query, name, exchange string) error {
	var maxPos int
	s.db.WithContext(ctx).Model(&watchlistRow{}).Select("COALESCE(MAX(pos), 0)").Scan(&maxPos)
	row := watchlistRow{
		Symbol:   q.Symbol,
		Type:     string(q.Type),
		Market:   string(q.Market),
		Name:     name,
		Exchange: exchange,
		AddedAt:  time.Now().UTC(),
		Pos:      maxPos + 1,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoNothing: true,
	}).Create(&row).Error
}

// Describe implements the pipeline enrichment lookup from the watchlist's
// display fields. Exchange may be empty; a market code is never substituted.
func (s *Store) Describe(symbol string) (string, string, bool) {
	var row watchlistRow
	if err := s.db.First(&row, "symbol = ?", symbol).Error; err != nil {
		return "", "", false
	}
	return row.Name, row.Exchange, row.Name != ""
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
