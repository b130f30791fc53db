package networking

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sync"

	errw "github.com/pkg/errors"
	"github.com/viamrobotics/netprov/utils"
)

// Credential is one saved wifi network.
type Credential struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// Store is the persistent key/value settings, split by namespace. Missing keys read as zero values.
type Store interface {
	GetInt(namespace, key string) (int, error)
	SetInt(namespace, key string, value int) error
	GetString(namespace, key string) (string, error)
	SetString(namespace, key, value string) error

	// SsidList returns saved networks, most recent first.
	SsidList() ([]Credential, error)
	// AddSsid moves (or inserts) cred to the front of the saved list.
	AddSsid(cred Credential) error
}

type settingsFile map[string]map[string]json.RawMessage

// FileStore keeps settings in a single json file, rewritten atomically on every change.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) load() (settingsFile, error) {
	data := settingsFile{}
	//nolint:gosec
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return data, nil
		}
		return nil, errw.Wrapf(err, "reading %s", s.path)
	}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errw.Wrapf(err, "parsing %s", s.path)
	}
	return data, nil
}

func (s *FileStore) save(data settingsFile) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	_, err = utils.WritePrivateFileIfNew(s.path, raw)
	return err
}

func (s *FileStore) get(namespace, key string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.load()
	if err != nil {
		return err
	}
	raw, ok := data[namespace][key]
	if !ok {
		return nil
	}
	return errw.Wrapf(json.Unmarshal(raw, out), "decoding %s.%s", namespace, key)
}

func (s *FileStore) set(namespace, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(namespace, key, value)
}

func (s *FileStore) setLocked(namespace, key string, value any) error {
	data, err := s.load()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return errw.Wrapf(err, "encoding %s.%s", namespace, key)
	}
	if data[namespace] == nil {
		data[namespace] = map[string]json.RawMessage{}
	}
	data[namespace][key] = raw
	return s.save(data)
}

func (s *FileStore) GetInt(namespace, key string) (int, error) {
	var v int
	err := s.get(namespace, key, &v)
	return v, err
}

func (s *FileStore) SetInt(namespace, key string, value int) error {
	return s.set(namespace, key, value)
}

func (s *FileStore) GetString(namespace, key string) (string, error) {
	var v string
	err := s.get(namespace, key, &v)
	return v, err
}

func (s *FileStore) SetString(namespace, key, value string) error {
	return s.set(namespace, key, value)
}

func (s *FileStore) SsidList() ([]Credential, error) {
	var list []Credential
	err := s.get(NamespaceWifi, KeySsidList, &list)
	return list, err
}

func (s *FileStore) AddSsid(cred Credential) error {
	if cred.SSID == "" {
		return ErrNoSSID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return err
	}
	var list []Credential
	if raw, ok := data[NamespaceWifi][KeySsidList]; ok {
		if err := json.Unmarshal(raw, &list); err != nil {
			return errw.Wrap(err, "decoding saved networks")
		}
	}
	return s.setLocked(NamespaceWifi, KeySsidList, prependCredential(list, cred))
}

func prependCredential(list []Credential, cred Credential) []Credential {
	out := make([]Credential, 0, len(list)+1)
	out = append(out, cred)
	for _, c := range list {
		if c.SSID != cred.SSID {
			out = append(out, c)
		}
	}
	if len(out) > maxSavedNetworks {
		out = out[:maxSavedNetworks]
	}
	return out
}
