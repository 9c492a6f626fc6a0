package app

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// device is the whatsmeow session, kept in its own database next to the
// cache.
type device struct {
	db     *sql.DB
	Client *whatsmeow.Client
	Device *store.Device
}

// openDevice loads the first stored session or prepares a new one to pair.
func openDevice(ctx context.Context, path string, log waLog.Logger) (*device, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open device database: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", log.Sub("Device"))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to upgrade device schema: %w", err)
	}

	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	dev := container.NewDevice()
	if len(devices) > 0 {
		dev = devices[0]
	}

	wa := whatsmeow.NewClient(dev, log.Sub("whatsmeow"))
	wa.EnableAutoReconnect = true
	wa.AutoTrustIdentity = true
	return &device{db: db, Client: wa, Device: dev}, nil
}

// IsLoggedIn returns true if the device has stored credentials.
func (d *device) IsLoggedIn() bool {
	return d.Device.ID != nil
}

func (d *device) Close() error {
	d.Client.Disconnect()
	return d.db.Close()
}
