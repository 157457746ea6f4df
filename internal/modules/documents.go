package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/store"
)

// Hook inspects a normalized record before or after it is stored
type Hook func(ctx context.Context, r *ocpi.Record) error

// Option configures a Documents module
type Option func(*Documents)

// WithIDField names the JSON field holding the record id, "id" by default
func WithIDField(field string) Option {
	return func(d *Documents) { d.idField = field }
}

// Immutable makes records append-only
func Immutable() Option {
	return func(d *Documents) { d.immutable = true }
}

// WithValidator runs v before every write
func WithValidator(v Hook) Option {
	return func(d *Documents) { d.validators = append(d.validators, v) }
}

// OnStored runs h after a successful write. Errors are logged, not returned.
func OnStored(h Hook) Option {
	return func(d *Documents) { d.stored = append(d.stored, h) }
}

// Documents stores OCPI objects as JSON documents keyed by
// (country_code, party_id, id)
type Documents struct {
	id         ocpi.ModuleID
	idField    string
	records    store.RecordStore
	pager      Pager
	immutable  bool
	validators []Hook
	stored     []Hook
	now        func() time.Time
	log        *logrus.Entry
}

var _ Module = (*Documents)(nil)

// NewDocuments creates a document-backed module
func NewDocuments(id ocpi.ModuleID, records store.RecordStore, pager Pager, opts ...Option) *Documents {
	d := &Documents{
		id:      id,
		idField: "id",
		records: records,
		pager:   pager,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logrus.WithField("module", string(id)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Documents) ID() ocpi.ModuleID {
	return d.id
}

func (d *Documents) List(ctx context.Context, filter Filter, page Page) (*ListResult, error) {
	page, err := d.pager.Normalize(page)
	if err != nil {
		return nil, err
	}
	if filter.DateFrom != nil && filter.DateTo != nil && !filter.DateFrom.Before(*filter.DateTo) {
		return nil, ocpi.Validationf("date_from must be before date_to")
	}

	records, total, err := d.records.ListRecords(ctx, d.id, store.Query{
		Party:    filter.Party,
		DateFrom: filter.DateFrom,
		DateTo:   filter.DateTo,
		Offset:   page.Offset,
		Limit:    page.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", d.id, err)
	}

	result := &ListResult{
		Items: make([]json.RawMessage, 0, len(records)),
		Total: total,
		Limit: page.Limit,
	}
	for _, r := range records {
		result.Items = append(result.Items, r.Data)
	}
	if next := page.Offset + len(records); len(records) > 0 && next < total {
		result.Next = &Page{Offset: next, Limit: page.Limit}
	}
	return result, nil
}

func (d *Documents) Get(ctx context.Context, key ocpi.RecordKey) (json.RawMessage, error) {
	r, err := d.records.GetRecord(ctx, d.id, key)
	if err != nil {
		return nil, err
	}
	return r.Data, nil
}

func (d *Documents) CreateOrUpdate(ctx context.Context, key ocpi.RecordKey, payload json.RawMessage) (json.RawMessage, error) {
	r, err := d.normalize(key, payload)
	if err != nil {
		return nil, err
	}
	if err := d.validate(ctx, r); err != nil {
		return nil, err
	}

	if d.immutable {
		err = d.records.InsertRecord(ctx, r)
	} else {
		err = d.records.PutRecord(ctx, r)
	}
	if err != nil {
		return nil, err
	}

	d.log.WithField("key", key.String()).Debug("Stored record")
	d.afterStore(ctx, r)
	return r.Data, nil
}

func (d *Documents) Create(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if !d.immutable {
		return nil, fmt.Errorf("%w: %s records are created with PUT", ocpi.ErrForbidden, d.id)
	}

	key, err := d.keyOf(payload)
	if err != nil {
		return nil, err
	}
	r, err := d.normalize(key, payload)
	if err != nil {
		return nil, err
	}
	if err := d.validate(ctx, r); err != nil {
		return nil, err
	}
	if err := d.records.InsertRecord(ctx, r); err != nil {
		return nil, err
	}

	d.log.WithField("key", key.String()).Info("Created record")
	d.afterStore(ctx, r)
	return r.Data, nil
}

func (d *Documents) validate(ctx context.Context, r *ocpi.Record) error {
	for _, v := range d.validators {
		if err := v(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (d *Documents) afterStore(ctx context.Context, r *ocpi.Record) {
	for _, h := range d.stored {
		if err := h(ctx, r); err != nil {
			d.log.WithError(err).WithField("key", r.Key.String()).Warn("Post-store hook failed")
		}
	}
}

func (d *Documents) keyOf(payload json.RawMessage) (ocpi.RecordKey, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ocpi.RecordKey{}, ocpi.Validationf("body is not a JSON object")
	}
	str := func(name string) string {
		s, _ := fields[name].(string)
		return s
	}
	key := ocpi.RecordKey{CountryCode: str("country_code"), PartyID: str("party_id"), ID: str(d.idField)}
	if key.CountryCode == "" || key.PartyID == "" || key.ID == "" {
		return key, ocpi.Validationf("country_code, party_id and %s are required", d.idField)
	}
	return key, nil
}

// normalize aligns the identity fields of payload with key and stamps last_updated
func (d *Documents) normalize(key ocpi.RecordKey, payload json.RawMessage) (*ocpi.Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return nil, ocpi.Validationf("body is not a JSON object")
	}

	identity := map[string]string{
		"country_code": key.CountryCode,
		"party_id":     key.PartyID,
		d.idField:      key.ID,
	}
	for name, want := range identity {
		raw, ok := fields[name]
		if !ok {
			fields[name], _ = json.Marshal(want)
			continue
		}
		var got string
		if err := json.Unmarshal(raw, &got); err != nil || got != want {
			return nil, ocpi.Validationf("%s in body does not match the URL", name)
		}
	}

	lastUpdated := d.now()
	if raw, ok := fields["last_updated"]; ok {
		if err := json.Unmarshal(raw, &lastUpdated); err != nil {
			return nil, ocpi.Validationf("last_updated is not a valid timestamp")
		}
		lastUpdated = lastUpdated.UTC()
	} else {
		fields["last_updated"], _ = json.Marshal(lastUpdated)
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return &ocpi.Record{Module: d.id, Key: key, LastUpdated: lastUpdated, Data: data}, nil
}
