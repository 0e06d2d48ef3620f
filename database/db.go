package database

import (
	"database/sql"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/wiimdy/openfunderse-sub000/config"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// ConnectDB opens a pooled Postgres connection and pings it. Schema changes
// are applied separately by the migrate command.
func ConnectDB(ds config.DataSourceConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", ds.Dns)
	if err != nil {
		return nil, err
	}

	if ds.MaxOpenConns > 0 {
		db.SetMaxOpenConns(ds.MaxOpenConns)
	}
	if ds.MaxIdleConns > 0 {
		db.SetMaxIdleConns(ds.MaxIdleConns)
	}
	if ds.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(ds.ConnMaxLifetime)
	}
	if ds.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(ds.ConnMaxIdleTime)
	}

	err = db.Ping()
	if err != nil {
		logrus.Errorf("database Connection error ❌: %v", err)
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// IsUniqueViolation reports whether err is a uniqueness conflict. Drivers
// that do not surface a pq.Error are matched on their message.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "23505") || strings.Contains(msg, "unique")
}

func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func nullableNumeric(v *big.Int) interface{} {
	if v == nil {
		return nil
	}
	return v.String()
}

func parseNumeric(raw string) (*big.Int, error) {
	// NUMERIC(78,0) may come back as "100" or "100.0" depending on the driver path
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		raw = raw[:i]
	}
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, errors.New("invalid numeric value " + raw)
	}
	return n, nil
}
