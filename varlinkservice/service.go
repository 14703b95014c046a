// Package varlinkservice implements org.varlink.service, the
// introspection interface every varlink endpoint carries: GetInfo
// reports vendor/product/version/url and the list of bound
// interfaces, GetInterfaceDescription renders one interface's
// canonical text on demand.
package varlinkservice

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ianremillard/govarlink"
	"github.com/ianremillard/govarlink/schema"
)

// Info is the static vendor metadata a Service reports from GetInfo.
type Info struct {
	Vendor  string
	Product string
	Version string
	URL     string
}

// Service implements govarlink.Interface for org.varlink.service,
// backed by a Registry whose Names() and per-interface declarations
// it introspects. Declarations must be supplied up front (there is no
// way to recover a schema.Interface from an arbitrary
// govarlink.Interface implementation), keyed by interface name.
type Service struct {
	info         Info
	reg          *govarlink.Registry
	declarations map[string]*schema.Interface
}

// New builds the org.varlink.service implementation. declarations
// should include every interface registered on reg that the caller
// wants introspectable via GetInterfaceDescription; reg.Names() alone
// drives GetInfo's interface list regardless.
func New(info Info, reg *govarlink.Registry, declarations map[string]*schema.Interface) *Service {
	return &Service{info: info, reg: reg, declarations: declarations}
}

// Name implements govarlink.Interface.
func (s *Service) Name() string { return "org.varlink.service" }

type getInfoReply struct {
	Vendor     string   `json:"vendor"`
	Product    string   `json:"product"`
	Version    string   `json:"version"`
	URL        string   `json:"url"`
	Interfaces []string `json:"interfaces"`
}

type getInterfaceDescriptionParams struct {
	Interface string `json:"interface"`
}

type getInterfaceDescriptionReply struct {
	Description string `json:"description"`
}

// Dispatch implements govarlink.Interface.
func (s *Service) Dispatch(call *govarlink.ServerCall, method string, params json.RawMessage, rights *govarlink.Rights) {
	switch method {
	case "GetInfo":
		names := append([]string(nil), s.reg.Names()...)
		sort.Strings(names)
		_ = call.CloseWithReply(getInfoReply{
			Vendor:     s.info.Vendor,
			Product:    s.info.Product,
			Version:    s.info.Version,
			URL:        s.info.URL,
			Interfaces: names,
		}, nil)

	case "GetInterfaceDescription":
		var p getInterfaceDescriptionParams
		if err := json.Unmarshal(params, &p); err != nil {
			_ = call.CloseWithError("org.varlink.service.InvalidParameter", map[string]string{"parameter": "interface"})
			return
		}
		iface, ok := s.declarations[p.Interface]
		if !ok && p.Interface == s.Name() {
			iface, ok = Declaration(), true
		}
		if !ok {
			_ = call.CloseWithError("org.varlink.service.InterfaceNotFound", map[string]string{"interface": p.Interface})
			return
		}
		_ = call.CloseWithReply(getInterfaceDescriptionReply{Description: schema.Render(iface)}, nil)

	default:
		_ = call.CloseWithError("org.varlink.service.MethodNotFound", map[string]string{"method": method})
	}
}

// Declaration returns the schema.Interface for org.varlink.service
// itself, in case a caller wants to introspect the introspection
// interface (GetInterfaceDescription("org.varlink.service") returns
// this rendered).
func Declaration() *schema.Interface {
	iface, err := schema.NewInterface("org.varlink.service", nil, []schema.Method{
		{
			Name: "GetInfo",
			Out: []schema.Field{
				{Name: "vendor", Type: schema.String()},
				{Name: "product", Type: schema.String()},
				{Name: "version", Type: schema.String()},
				{Name: "url", Type: schema.String()},
				{Name: "interfaces", Type: schema.ArrayOf(schema.String())},
			},
		},
		{
			Name: "GetInterfaceDescription",
			In:   []schema.Field{{Name: "interface", Type: schema.String()}},
			Out:  []schema.Field{{Name: "description", Type: schema.String()}},
		},
	})
	if err != nil {
		panic(fmt.Sprintf("varlinkservice: invalid built-in declaration: %v", err))
	}
	return iface
}
