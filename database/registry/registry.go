// Package registry maps the DB_TYPE selector to a storage adapter.
package registry

import (
	"fmt"
	"strings"

	"github.com/Daniel865692/energy-management-platform/config"
	"github.com/Daniel865692/energy-management-platform/database"
	"github.com/Daniel865692/energy-management-platform/database/cloudiot"
	"github.com/Daniel865692/energy-management-platform/database/firebase"
	"github.com/Daniel865692/energy-management-platform/database/influx"
	"github.com/Daniel865692/energy-management-platform/database/memory"
	"github.com/Daniel865692/energy-management-platform/database/mongostore"
	"github.com/Daniel865692/energy-management-platform/database/redisstore"
	"github.com/Daniel865692/energy-management-platform/database/sqlstore"
	"github.com/Daniel865692/energy-management-platform/database/thingspeak"
)

// Selectors accepted in DB_TYPE
const (
	Memory     = "memory"
	Postgres   = "postgres"
	MySQL      = "mysql"
	SQLite     = "sqlite"
	MongoDB    = "mongodb"
	InfluxDB   = "influxdb"
	Redis      = "redis"
	Firebase   = "firebase"
	ThingSpeak = "thingspeak"
	AWS        = cloudiot.ProviderAWS
	Azure      = cloudiot.ProviderAzure
)

// Options carries runtime hooks that are not configuration
type Options struct {
	// OnConfirm receives statuses the memory backend confirms by itself
	OnConfirm memory.ConfirmFunc
}

// Open builds the adapter named by cfg.Database.Type. The adapter is not
// connected.
func Open(cfg *config.Config, opts Options) (database.Adapter, error) {
	return open(cfg, strings.ToLower(cfg.Database.Type), opts, true)
}

func open(cfg *config.Config, selector string, opts Options, allowRelay bool) (database.Adapter, error) {
	db := cfg.Database

	switch selector {
	case Memory, "":
		store := memory.New(memory.Options{AutoConfirm: cfg.Devices.AutoConfirm})
		if opts.OnConfirm != nil {
			store.OnConfirm(opts.OnConfirm)
		}
		return store, nil
	case Postgres, "postgresql":
		return sqlstore.NewPostgres(cfg.GetDatabaseURL()), nil
	case MySQL:
		store, err := sqlstore.NewMySQL(db.MySQLDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	case SQLite:
		return sqlstore.NewSQLite(db.SQLitePath), nil
	case MongoDB, "mongo":
		return mongostore.New(mongostore.Config{URI: db.Mongo.URI, Database: db.Mongo.Database}), nil
	case InfluxDB, "influx":
		return influx.New(influx.Config{
			URL:    db.Influx.URL,
			Token:  db.Influx.Token,
			Org:    db.Influx.Org,
			Bucket: db.Influx.Bucket,
		}), nil
	case Redis:
		return redisstore.New(redisstore.Config{
			Addr:      db.Redis.Addr,
			Password:  db.Redis.Password,
			DB:        db.Redis.DB,
			KeyPrefix: db.Redis.KeyPrefix,
		}), nil
	case Firebase:
		return firebase.New(firebase.Config{
			DatabaseURL:     db.Firebase.DatabaseURL,
			CredentialsFile: db.Firebase.CredentialsFile,
		}), nil
	}

	if !allowRelay {
		return nil, fmt.Errorf("%w: %q cannot serve as mirror", database.ErrUnsupportedBackend, selector)
	}

	switch selector {
	case ThingSpeak:
		mirror, err := open(cfg, db.MirrorType, opts, false)
		if err != nil {
			return nil, err
		}
		ts := db.ThingSpeak
		return thingspeak.New(thingspeak.Config{
			BaseURL:        ts.BaseURL,
			ChannelID:      ts.ChannelID,
			WriteAPIKey:    ts.WriteAPIKey,
			ReadAPIKey:     ts.ReadAPIKey,
			TalkBackID:     ts.TalkBackID,
			TalkBackAPIKey: ts.TalkBackAPIKey,
		}, mirror), nil
	case AWS, Azure:
		mirror, err := open(cfg, db.MirrorType, opts, false)
		if err != nil {
			return nil, err
		}
		iot := db.CloudIoT
		return cloudiot.New(cloudiot.Config{
			Provider:       selector,
			BrokerURL:      iot.BrokerURL,
			ClientID:       iot.ClientID,
			Username:       iot.Username,
			Password:       iot.Password,
			CertFile:       iot.CertFile,
			KeyFile:        iot.KeyFile,
			CAFile:         iot.CAFile,
			TelemetryTopic: iot.TelemetryTopic,
			CommandTopic:   iot.CommandTopic,
			QoS:            1,
		}, mirror), nil
	}

	return nil, fmt.Errorf("%w: %q", database.ErrUnsupportedBackend, selector)
}
