package config

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"giveaway/internal/models"
	"giveaway/internal/services"
	"giveaway/internal/storage"

	"github.com/google/logger"
	"gopkg.in/yaml.v3"
)

// CatalogPrize is a prize as written in the catalog file. Stock is both the
// initial and the current stock when seeding.
type CatalogPrize struct {
	ID     int64   `yaml:"id"`
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
	Stock  int     `yaml:"stock"`
}

type CatalogGame struct {
	ID          int64          `yaml:"id"`
	Name        string         `yaml:"name"`
	WinRate     float64        `yaml:"win_rate"`
	CooldownSec *int           `yaml:"cooldown_sec"`
	Prizes      []CatalogPrize `yaml:"prizes"`
	// PrizesCSV names a CSV file of name,weight,stock rows, relative to the catalog.
	PrizesCSV string `yaml:"prizes_csv"`
}

// Catalog lists the games served and their prize pools.
type Catalog struct {
	Games []CatalogGame `yaml:"games"`
}

// LoadCatalog reads and validates a YAML catalog. CSV prize files are
// resolved relative to the catalog's directory.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}

	for i := range cat.Games {
		g := &cat.Games[i]
		if g.PrizesCSV == "" {
			continue
		}
		f, err := os.Open(filepath.Join(filepath.Dir(path), g.PrizesCSV))
		if err != nil {
			return Catalog{}, fmt.Errorf("game %d prizes: %w", g.ID, err)
		}
		prizes, err := ReadPrizesCSV(f)
		f.Close()
		if err != nil {
			return Catalog{}, fmt.Errorf("game %d prizes: %w", g.ID, err)
		}
		g.Prizes = append(g.Prizes, prizes...)
	}

	if err := cat.Validate(); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

// Validate checks ids, win rates, weights and stock. Every prize pool must
// be selectable without integer overflow.
func (c Catalog) Validate() error {
	seen := make(map[int64]bool)
	prizeOwner := make(map[int64]int64)
	for _, g := range c.Games {
		if g.ID <= 0 {
			return fmt.Errorf("game %q: id must be positive", g.Name)
		}
		if seen[g.ID] {
			return fmt.Errorf("game %d: duplicate id", g.ID)
		}
		seen[g.ID] = true
		if g.WinRate < 0 || g.WinRate > 1 {
			return fmt.Errorf("game %d: win_rate %v outside [0,1]", g.ID, g.WinRate)
		}
		if g.CooldownSec != nil && *g.CooldownSec < 0 {
			return fmt.Errorf("game %d: negative cooldown", g.ID)
		}
		var total int64
		for _, p := range g.Prizes {
			if p.Weight < 0 || p.Stock < 0 {
				return fmt.Errorf("game %d prize %q: weight and stock must not be negative", g.ID, p.Name)
			}
			if p.ID != 0 {
				if owner, dup := prizeOwner[p.ID]; dup {
					return fmt.Errorf("game %d prize %q: id %d already used by game %d", g.ID, p.Name, p.ID, owner)
				}
				prizeOwner[p.ID] = g.ID
			}
			w, err := services.PrizeWeight(&models.Prize{Weight: p.Weight, CurrentStock: p.Stock})
			if err != nil {
				return fmt.Errorf("game %d prize %q: weight %v: %w", g.ID, p.Name, p.Weight, err)
			}
			if w > math.MaxInt64-total {
				return fmt.Errorf("game %d: total prize weight: %w", g.ID, services.ErrWeightOverflow)
			}
			total += w
		}
	}
	return nil
}

// ReadPrizesCSV parses name,weight,stock rows. Malformed rows are skipped.
func ReadPrizesCSV(r io.Reader) ([]CatalogPrize, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var prizes []CatalogPrize
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read prizes csv: %w", err)
		}

		if len(record) != 3 {
			logger.Infof("Skipping malformed prize CSV record: %v", record)
			continue
		}
		weight, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			logger.Infof("Skipping prize CSV record with invalid weight: %v", record)
			continue
		}
		stock, err := strconv.Atoi(record[2])
		if err != nil {
			logger.Infof("Skipping prize CSV record with invalid stock: %v", record)
			continue
		}
		prizes = append(prizes, CatalogPrize{Name: record[0], Weight: weight, Stock: stock})
	}
	return prizes, nil
}

// SeedTarget is a store the catalog can be loaded into.
type SeedTarget interface {
	storage.Seeder
	storage.GameLookup
}

// Seed loads catalog games into the store. With onlyMissing, games the store
// already knows keep their current stock.
func (c Catalog) Seed(ctx context.Context, s SeedTarget, onlyMissing bool) error {
	for _, g := range c.Games {
		if onlyMissing {
			_, err := s.FindGame(ctx, g.ID)
			if err == nil {
				logger.Infof("Game %d already stored, keeping its stock", g.ID)
				continue
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("look up game %d: %w", g.ID, err)
			}
		}

		prizes := make([]*models.Prize, 0, len(g.Prizes))
		for _, p := range g.Prizes {
			prizes = append(prizes, &models.Prize{
				ID:           p.ID,
				Name:         p.Name,
				Weight:       p.Weight,
				CurrentStock: p.Stock,
				InitialStock: p.Stock,
			})
		}
		game := &models.Game{ID: g.ID, Name: g.Name, WinRate: g.WinRate}
		if err := s.SeedGame(ctx, game, prizes); err != nil {
			return fmt.Errorf("seed game %d: %w", g.ID, err)
		}
		logger.Infof("Seeded game %d (%s) with %d prizes", g.ID, g.Name, len(prizes))
	}
	return nil
}

// CooldownFor returns the game's cooldown, or fallback when the catalog does not set one.
func (c Catalog) CooldownFor(gameID int64, fallback time.Duration) time.Duration {
	for _, g := range c.Games {
		if g.ID == gameID && g.CooldownSec != nil {
			return time.Duration(*g.CooldownSec) * time.Second
		}
	}
	return fallback
}
