package modules

import (
	"fmt"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/store"
)

// Access is what a counterparty may do with a module
type Access struct {
	Read  bool
	Write bool
	// OwnParty limits the caller to records of its own party
	OwnParty bool
}

type binding struct {
	module ocpi.ModuleID
	role   ocpi.Role
}

type endpoint struct {
	iface  ocpi.InterfaceRole
	access Access
}

// interfaces lists, per (module, our role), the interface we implement and
// what the counterparty may do with it
var interfaces = map[binding]endpoint{
	{ocpi.ModuleLocations, ocpi.RoleEMSP}: {ocpi.InterfaceReceiver, Access{Read: true, Write: true, OwnParty: true}},
	{ocpi.ModuleSessions, ocpi.RoleEMSP}:  {ocpi.InterfaceReceiver, Access{Read: true, Write: true, OwnParty: true}},
	{ocpi.ModuleCDRs, ocpi.RoleEMSP}:      {ocpi.InterfaceReceiver, Access{Read: true, Write: true, OwnParty: true}},
	{ocpi.ModuleTariffs, ocpi.RoleEMSP}:   {ocpi.InterfaceReceiver, Access{Read: true, Write: true, OwnParty: true}},
	{ocpi.ModuleTokens, ocpi.RoleEMSP}:    {ocpi.InterfaceSender, Access{Read: true}},
	{ocpi.ModuleCommands, ocpi.RoleEMSP}:  {ocpi.InterfaceSender, Access{Write: true}},

	{ocpi.ModuleLocations, ocpi.RoleCPO}: {ocpi.InterfaceSender, Access{Read: true}},
	{ocpi.ModuleSessions, ocpi.RoleCPO}:  {ocpi.InterfaceSender, Access{Read: true}},
	{ocpi.ModuleCDRs, ocpi.RoleCPO}:      {ocpi.InterfaceSender, Access{Read: true}},
	{ocpi.ModuleTariffs, ocpi.RoleCPO}:   {ocpi.InterfaceSender, Access{Read: true}},
	{ocpi.ModuleTokens, ocpi.RoleCPO}:    {ocpi.InterfaceReceiver, Access{Read: true, Write: true, OwnParty: true}},
	{ocpi.ModuleCommands, ocpi.RoleCPO}:  {ocpi.InterfaceReceiver, Access{Write: true}},
}

// dataModules are the modules served through the CRUD contract
var dataModules = []ocpi.ModuleID{
	ocpi.ModuleLocations,
	ocpi.ModuleSessions,
	ocpi.ModuleCDRs,
	ocpi.ModuleTariffs,
	ocpi.ModuleTokens,
}

// Hooks wires side effects into the modules
type Hooks struct {
	// CDRCreated runs after a CDR was stored
	CDRCreated Hook
}

// Registry resolves the module implementation and access rules for our role
type Registry struct {
	role    ocpi.Role
	modules map[ocpi.ModuleID]Module
}

// NewRegistry builds the modules served in role
func NewRegistry(role ocpi.Role, records store.RecordStore, pager Pager, hooks Hooks) *Registry {
	cdrOpts := []Option{Immutable(), WithValidator(CDRSessionTerminal(records))}
	if hooks.CDRCreated != nil {
		cdrOpts = append(cdrOpts, OnStored(hooks.CDRCreated))
	}

	return &Registry{
		role: role,
		modules: map[ocpi.ModuleID]Module{
			ocpi.ModuleLocations: NewDocuments(ocpi.ModuleLocations, records, pager),
			ocpi.ModuleSessions:  NewDocuments(ocpi.ModuleSessions, records, pager, WithValidator(ValidSessionStatus)),
			ocpi.ModuleCDRs:      NewDocuments(ocpi.ModuleCDRs, records, pager, cdrOpts...),
			ocpi.ModuleTariffs:   NewDocuments(ocpi.ModuleTariffs, records, pager),
			ocpi.ModuleTokens:    NewDocuments(ocpi.ModuleTokens, records, pager, WithIDField("uid"), WithValidator(ValidToken)),
		},
	}
}

// Role returns the role the registry serves
func (r *Registry) Role() ocpi.Role {
	return r.role
}

// Module returns the implementation of a data module
func (r *Registry) Module(id ocpi.ModuleID) (Module, error) {
	m, ok := r.modules[id]
	if !ok {
		return nil, fmt.Errorf("%w: module %s", ocpi.ErrNotFound, id)
	}
	return m, nil
}

// Authorize checks that caller may read or write module. When the caller is
// limited to its own records the returned party is non-nil.
func (r *Registry) Authorize(module ocpi.ModuleID, caller *ocpi.Identity, write bool) (*ocpi.PartyKey, error) {
	s, ok := interfaces[binding{module, r.role}]
	if !ok {
		return nil, fmt.Errorf("%w: module %s", ocpi.ErrNotFound, module)
	}
	if caller.TokenType != ocpi.TokenTypeC || caller.Role != r.role.Counterparty() {
		return nil, ocpi.ErrForbidden
	}
	if (write && !s.access.Write) || (!write && !s.access.Read) {
		return nil, ocpi.ErrForbidden
	}
	if s.access.OwnParty {
		party := caller.Party()
		return &party, nil
	}
	return nil, nil
}

// AuthorizeTokenCheck allows real-time token authorization with Token B or C
func (r *Registry) AuthorizeTokenCheck(caller *ocpi.Identity) error {
	if r.role != ocpi.RoleEMSP {
		return fmt.Errorf("%w: token authorization is served by the token owner", ocpi.ErrForbidden)
	}
	if caller.Role != r.role.Counterparty() {
		return ocpi.ErrForbidden
	}
	if caller.TokenType == ocpi.TokenTypeB || caller.TokenType == ocpi.TokenTypeC {
		return nil
	}
	return ocpi.ErrForbidden
}

// Endpoints lists the module endpoints of our version details
func (r *Registry) Endpoints(versionURL string) []ocpi.Endpoint {
	endpoints := []ocpi.Endpoint{
		{Identifier: ocpi.ModuleCredentials, Role: ocpi.InterfaceSender, URL: versionURL + "/credentials"},
		{Identifier: ocpi.ModuleCredentials, Role: ocpi.InterfaceReceiver, URL: versionURL + "/credentials"},
	}
	for _, id := range append(dataModules, ocpi.ModuleCommands) {
		s := interfaces[binding{id, r.role}]
		endpoints = append(endpoints, ocpi.Endpoint{
			Identifier: id,
			Role:       s.iface,
			URL:        versionURL + "/" + string(id),
		})
	}
	return endpoints
}
