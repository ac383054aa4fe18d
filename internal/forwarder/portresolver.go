package forwarder

import (
	"context"
	"errors"
	"fmt"

	"github.com/ovn-org/libovsdb/client"
	"github.com/ovn-org/libovsdb/model"
	ofp "github.com/netrack/openflow/ofp.v13"
)

// ovsInterface mirrors the columns of the OVSDB Interface table this
// resolver needs: the port's configured name and the OpenFlow port number
// the switch assigned it (RFC-less, OVSDB schema "Open_vSwitch").
type ovsInterface struct {
	UUID      string `ovsdb:"_uuid"`
	Name      string `ovsdb:"name"`
	OFPort    *int   `ovsdb:"ofport"`
}

func (*ovsInterface) Table() string { return "Interface" }

// ErrPortNotFound indicates no Interface row matched the requested name.
var ErrPortNotFound = errors.New("ovsdb: no interface with that name")

// ErrPortNumberUnset indicates the matching Interface row has not yet been
// assigned an OpenFlow port number by the switch.
var ErrPortNumberUnset = errors.New("ovsdb: interface has no ofport assigned yet")

// PortResolver resolves configured access/external port names to OpenFlow
// port numbers by querying a forwarder's OVSDB Interface table. This is a
// narrow, read-only northbound use of OVSDB, distinct from (and
// complementary to) the southbound OpenFlow channel that Programmer
// installs flows over.
type PortResolver struct {
	ovsdb client.Client
}

// NewPortResolver connects to the forwarder's OVSDB management endpoint
// (e.g. "tcp:127.0.0.1:6640" for a local ovsdb-server) and monitors the
// Interface table.
func NewPortResolver(ctx context.Context, endpoint string) (*PortResolver, error) {
	dbModel, err := model.NewClientDBModel("Open_vSwitch", map[string]model.Model{
		"Interface": &ovsInterface{},
	})
	if err != nil {
		return nil, fmt.Errorf("build ovsdb client model: %w", err)
	}

	c, err := client.NewOVSDBClient(dbModel, client.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("create ovsdb client for %s: %w", endpoint, err)
	}

	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to ovsdb at %s: %w", endpoint, err)
	}

	if _, err := c.MonitorAll(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("monitor ovsdb interfaces at %s: %w", endpoint, err)
	}

	return &PortResolver{ovsdb: c}, nil
}

// Close disconnects from OVSDB.
func (r *PortResolver) Close() {
	r.ovsdb.Close()
}

// Resolve returns the OpenFlow port number currently assigned to the
// interface named name.
func (r *PortResolver) Resolve(ctx context.Context, name string) (ofp.PortNo, error) {
	var rows []ovsInterface
	if err := r.ovsdb.WhereCache(func(i *ovsInterface) bool {
		return i.Name == name
	}).List(ctx, &rows); err != nil {
		return 0, fmt.Errorf("list ovsdb interfaces matching %q: %w", name, err)
	}

	if len(rows) == 0 {
		return 0, fmt.Errorf("resolve port %q: %w", name, ErrPortNotFound)
	}

	iface := rows[0]
	if iface.OFPort == nil {
		return 0, fmt.Errorf("resolve port %q: %w", name, ErrPortNumberUnset)
	}

	return ofp.PortNo(*iface.OFPort), nil
}
