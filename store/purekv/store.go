// Package purekv is a networked settings store backed by
// github.com/gasparian/pure-kv-go, for deployments that run more than
// one process against a shared configuration view.
package purekv

import (
	"errors"
	"strconv"

	pkv "github.com/gasparian/pure-kv-go/client"

	"github.com/gasparian/find-object-go/store"
)

const bucketName = "settings"

var errWrongType = errors.New("purekv: stored value is not a string")

// Config points at a pure-kv-go server.
type Config struct {
	Address string
	Timeout int
}

// Store adapts a pure-kv-go client to store.Store.
type Store struct {
	config Config
	client *pkv.Client
}

// New builds a Store; call Start before using it.
func New(config Config) *Store {
	return &Store{
		config: config,
		client: pkv.New(config.Address, config.Timeout),
	}
}

// Start opens the connection and ensures the settings bucket exists.
func (s *Store) Start() error {
	if err := s.client.Open(); err != nil {
		return err
	}
	return s.client.Create(bucketName)
}

// Close releases the underlying connection.
func (s *Store) Close() {
	s.client.Close()
}

func (s *Store) SetString(key, val string) error {
	return s.client.Set(bucketName, key, val)
}

func (s *Store) GetString(key string) (string, bool, error) {
	raw, ok := s.client.Get(bucketName, key)
	if !ok {
		return "", false, nil
	}
	val, ok := raw.(string)
	if !ok {
		return "", true, errWrongType
	}
	return val, true, nil
}

func (s *Store) SetInt(key string, val int) error {
	return s.SetString(key, strconv.Itoa(val))
}

func (s *Store) GetInt(key string) (int, bool, error) {
	raw, ok, err := s.GetString(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, true, err
	}
	return val, true, nil
}

func (s *Store) SetFloat(key string, val float64) error {
	return s.SetString(key, strconv.FormatFloat(val, 'g', -1, 64))
}

func (s *Store) GetFloat(key string) (float64, bool, error) {
	raw, ok, err := s.GetString(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, true, err
	}
	return val, true, nil
}

func (s *Store) SetBool(key string, val bool) error {
	return s.SetString(key, strconv.FormatBool(val))
}

func (s *Store) GetBool(key string) (bool, bool, error) {
	raw, ok, err := s.GetString(key)
	if err != nil || !ok {
		return false, ok, err
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, true, err
	}
	return val, true, nil
}

func (s *Store) Clear() error {
	return s.client.Destroy(bucketName)
}

var _ store.Store = (*Store)(nil)
