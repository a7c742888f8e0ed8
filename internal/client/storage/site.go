package storage

import "context"

//go:generate moq -out site_mock.go . SiteStorage

// SiteStorage хранит идентификатор сайта и значение его часов между запусками,
// чтобы новые атомы не повторяли id уже созданных.
type SiteStorage interface {
	// SaveSite stores the site id and the clock counter
	SaveSite(ctx context.Context, site *Site) error

	// GetSite returns the saved site
	// Returns ErrSiteNotFound on the first run
	GetSite(ctx context.Context) (*Site, error)
}

// Site - сайт реплики и последнее выданное значение часов
type Site struct {
	ID      string `json:"id"`
	Counter int64  `json:"counter"`
}
