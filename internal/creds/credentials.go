// Package creds models storage access secrets and the naming of upload
// targets. A credential is a closed tagged variant; behavior switches on
// the tag rather than on open polymorphism.
package creds

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"mdsagent/internal/store"
	"mdsagent/pkg/types"
)

// Kind tags the credential variants.
type Kind uint8

const (
	// SharedKey holds an account name and its full access key.
	SharedKey Kind = iota
	// SAS holds a shared-access-signature token, either account-scoped
	// or scoped to a single table/container.
	SAS
	// Local marks targets with no remote storage at all.
	Local
)

func (k Kind) String() string {
	switch k {
	case SharedKey:
		return "SharedKey"
	case SAS:
		return "SAS"
	}
	return "Local"
}

// Service selects which storage service a connection string addresses.
type Service uint8

const (
	TableService Service = iota
	BlobService
	EventPublishService
)

func (s Service) String() string {
	switch s {
	case TableService:
		return "table"
	case BlobService:
		return "blob"
	}
	return "eventpublish"
}

// Credentials is one access secret, identified by its moniker.
type Credentials struct {
	Moniker string
	Kind    Kind

	Account  string
	Key      string // SharedKey only
	Token    string // SAS only; query-string form without leading '?'
	TableURI string
	BlobURI  string

	IsAccountSas bool
	AutoKey      bool // secret arrives later via the command blob
}

// AccessAnyTable reports whether the credential can address arbitrary
// tables in its account: a full key, an account-scoped SAS, or an
// autokey placeholder that will resolve to one.
func (c *Credentials) AccessAnyTable() bool {
	switch c.Kind {
	case SharedKey:
		return true
	case SAS:
		return c.IsAccountSas || c.AutoKey
	}
	return c.AutoKey
}

// Endpoint returns the service URI, falling back to the public-cloud
// form when the config did not override it.
func (c *Credentials) Endpoint(svc Service) string {
	switch svc {
	case TableService:
		if c.TableURI != "" {
			return c.TableURI
		}
		return "https://" + c.Account + ".table.core.windows.net"
	case BlobService:
		if c.BlobURI != "" {
			return c.BlobURI
		}
		return "https://" + c.Account + ".blob.core.windows.net"
	}
	return ""
}

// ConnectionString emits the full service name, the connection string,
// and its expiry for an upload target. Local credentials address no
// remote service.
func (c *Credentials) ConnectionString(targetName string, svc Service) (fullSvcName, connstr string, expires types.TimeValue, err error) {
	switch c.Kind {
	case SharedKey:
		fullSvcName = c.Endpoint(svc)
		connstr = fmt.Sprintf(
			"DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s", c.Account, c.Key)
		// Keys do not expire; report a far-future horizon so the
		// connection cache never churns.
		expires = types.FromTime(time.Now().AddDate(10, 0, 0))
		return
	case SAS:
		fullSvcName = c.Endpoint(svc)
		if !c.IsAccountSas {
			fullSvcName = fullSvcName + "/" + targetName
		}
		connstr = fullSvcName + "?" + c.Token
		expires = sasExpiry(c.Token)
		return
	}
	err = fmt.Errorf("moniker %q: local credentials have no connection string", c.Moniker)
	return
}

// TableNameFromToken extracts the table name a table-scoped SAS is bound
// to ("tn" query parameter), or "".
func (c *Credentials) TableNameFromToken() string {
	return queryParam(c.Token, "tn")
}

// sasExpiry parses the "se" parameter of a SAS token; the zero value
// means no expiry was declared.
func sasExpiry(token string) types.TimeValue {
	se := queryParam(token, "se")
	if se == "" {
		return types.TimeValue{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, se); err == nil {
			return types.FromTime(t)
		}
	}
	return types.TimeValue{}
}

func queryParam(token, name string) string {
	vals, err := url.ParseQuery(strings.TrimPrefix(token, "?"))
	if err != nil {
		return ""
	}
	return vals.Get(name)
}

// ServiceFor maps a destination type to the storage service it uses.
func ServiceFor(t store.Type) Service {
	if t == store.XJsonBlob {
		return BlobService
	}
	return TableService
}
