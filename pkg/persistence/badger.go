package persistence

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerOptions Badger 打开参数
type BadgerOptions struct {
	Path          string
	InMemory      bool   // 测试用
	EncryptionKey []byte // 32 字节；为空则不加密
}

// BadgerService 基于 Badger KV 的持久化服务
type BadgerService struct {
	db *badger.DB
}

// OpenBadger 打开 Badger 数据库
func OpenBadger(opts BadgerOptions) (*BadgerService, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(opts.Path) == "" {
			return nil, errors.New("persistence: badger path is required")
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithLogger(nil)
	if len(opts.EncryptionKey) > 0 {
		// 加密模式下 Badger 需要 index cache
		bopts = bopts.WithEncryptionKey(opts.EncryptionKey).WithIndexCacheSize(16 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("persistence: open badger: %w", err)
	}
	return &BadgerService{db: db}, nil
}

// ParseKey 解析 32 字节 hex 密钥，空字符串返回 nil
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("persistence: invalid hex key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("persistence: key must be 32 bytes, got %d", len(b))
	}
	return b, nil
}

func (s *BadgerService) NewStore(prefix, id, tag string) Store {
	return &BadgerStore{db: s.db, key: []byte(storeKey(prefix, id, tag))}
}

func (s *BadgerService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BadgerStore 单 key 存储，值为 JSON
type BadgerStore struct {
	db  *badger.DB
	key []byte
}

func (s *BadgerStore) Save(data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	log.Debugf("Save: key=%s bytes=%d", s.key, len(b))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, b)
	})
}

func (s *BadgerStore) Load(data interface{}) error {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotExists
	}
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return ErrNotExists
	}
	return json.Unmarshal(raw, data)
}
