package directory

import (
	"encoding/json"
	"sort"

	"github.com/samber/lo"

	"github.com/imgflow/credentials/core/secretstore"
)

// SortedNames returns the resolved account names in a stable order, so that
// "first missing credential" reports are deterministic.
func SortedNames(resolved map[string]json.RawMessage) []string {
	names := lo.Keys(resolved)
	sort.Strings(names)
	return names
}

// Resolver expands a job's requested accounts and groups into a concrete
// account set and gates the job on every resolved account having a stored
// secret.
type Resolver struct {
	dir     *Directory
	secrets *secretstore.Store
}

func NewResolver(dir *Directory, secrets *secretstore.Store) *Resolver {
	return &Resolver{dir: dir, secrets: secrets}
}

// ResolveAccountsForJob expands groups into member names, unions them with
// the explicitly requested names, de-duplicates, and looks each one up.
func (r *Resolver) ResolveAccountsForJob(cloud, user string, accounts, groups []string) (map[string]json.RawMessage, error) {
	stored, userGroups, err := r.dir.accountsAndGroups(cloud, user)
	if err != nil {
		return nil, err
	}

	names := append([]string{}, accounts...)
	for _, group := range groups {
		members, ok := userGroups[group]
		if !ok {
			return nil, &UnknownGroupError{Group: group}
		}
		names = append(names, members...)
	}
	names = lo.Uniq(names)

	resolved := make(map[string]json.RawMessage, len(names))
	for _, name := range names {
		info, ok := stored[name]
		if !ok {
			return nil, &MissingAccountError{Account: name}
		}
		resolved[name] = info
	}

	return resolved, nil
}

// VerifyCredentialsExist probes the secret store for each account and fails
// on the first gap. This is the authorization gate: a job proceeds only once
// every resolved account has a stored secret for that exact user.
func (r *Resolver) VerifyCredentialsExist(user, cloud string, accounts []string) error {
	for _, account := range accounts {
		found, err := r.secrets.Exists(user, cloud, account)
		if err != nil {
			return err
		}
		if !found {
			return &MissingCredentialsError{Account: account}
		}
	}
	return nil
}
