package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"

	"github.com/imgflow/credentials/storage"
)

// Document is the on-disk accounts document:
// {cloud: {accounts: {user: {account: info}}, groups: {user: {group: [account]}}}}
type Document map[string]*CloudSection

type CloudSection struct {
	Accounts map[string]map[string]json.RawMessage `json:"accounts"`
	Groups   map[string]map[string][]string        `json:"groups"`
}

// Directory owns the accounts document. All mutation is read-modify-write on
// the whole document under one mutex; this service is the document's sole
// writer.
type Directory struct {
	mu  sync.Mutex
	db  storage.Storage
	key string
}

func New(db storage.Storage, key string) *Directory {
	return &Directory{db: db, key: key}
}

func (d *Directory) load() (Document, error) {
	raw, err := d.db.GetKey(d.key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return Document{}, nil
		}
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("accounts document is corrupted: %w", err)
	}

	return doc, nil
}

func (d *Directory) save(doc Document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return d.db.Set(d.key, raw)
}

func (doc Document) cloud(cloud string) *CloudSection {
	section, ok := doc[cloud]
	if !ok {
		section = &CloudSection{
			Accounts: map[string]map[string]json.RawMessage{},
			Groups:   map[string]map[string][]string{},
		}
		doc[cloud] = section
	}
	if section.Accounts == nil {
		section.Accounts = map[string]map[string]json.RawMessage{}
	}
	if section.Groups == nil {
		section.Groups = map[string]map[string][]string{}
	}
	return section
}

// AddAccount merges the account info into the document and optionally adds
// the account to a group, creating the group as needed. Overwrite of an
// existing account is an update.
func (d *Directory) AddAccount(cloud, user, account string, info interface{}, group string) error {
	if !KnownCloud(cloud) {
		return fmt.Errorf("unknown cloud %q", cloud)
	}

	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.load()
	if err != nil {
		return err
	}

	section := doc.cloud(cloud)
	if section.Accounts[user] == nil {
		section.Accounts[user] = map[string]json.RawMessage{}
	}
	section.Accounts[user][account] = raw

	if group != "" {
		if section.Groups[user] == nil {
			section.Groups[user] = map[string][]string{}
		}
		members := section.Groups[user][group]
		if !lo.Contains(members, account) {
			section.Groups[user][group] = append(members, account)
		}
	}

	return d.save(doc)
}

// DeleteAccount removes the directory entry and the account's membership in
// every group of that user. A missing account is not an error.
func (d *Directory) DeleteAccount(cloud, user, account string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.load()
	if err != nil {
		return err
	}

	section, ok := doc[cloud]
	if !ok {
		return nil
	}

	delete(section.Accounts[user], account)
	if len(section.Accounts[user]) == 0 {
		delete(section.Accounts, user)
	}

	for group, members := range section.Groups[user] {
		pruned := lo.Without(members, account)
		if len(pruned) == 0 {
			delete(section.Groups[user], group)
		} else {
			section.Groups[user][group] = pruned
		}
	}
	if len(section.Groups[user]) == 0 {
		delete(section.Groups, user)
	}

	return d.save(doc)
}

// Account returns the stored info for one account, or nil if absent.
func (d *Directory) Account(cloud, user, account string) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.load()
	if err != nil {
		return nil, err
	}

	section, ok := doc[cloud]
	if !ok {
		return nil, nil
	}

	return section.Accounts[user][account], nil
}

// accountsAndGroups returns the user's view of one cloud. Callers must hold
// no expectation of the maps being live; they are snapshots.
func (d *Directory) accountsAndGroups(cloud, user string) (map[string]json.RawMessage, map[string][]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.load()
	if err != nil {
		return nil, nil, err
	}

	section, ok := doc[cloud]
	if !ok {
		return map[string]json.RawMessage{}, map[string][]string{}, nil
	}

	return section.Accounts[user], section.Groups[user], nil
}
