// Package inventory keeps track of the lab's devices in Consul's key/value store, so that
// concurrent test runs on different hosts never use the same device at once.
//
// Each device is one JSON document under <prefix>/devices/<id>. A run claims a device by
// writing its owner into that document with a check-and-set on the key's ModifyIndex: if two
// runs race for the same device, exactly one write succeeds and the other moves on to the next
// candidate.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nasqa/dut-harness/framework"
	"github.com/nasqa/dut-harness/framework/helpers"
	"github.com/nasqa/dut-harness/framework/retry"
	"github.com/nasqa/dut-harness/settings"

	consul "github.com/hashicorp/consul/api"
	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

const DefaultPrefix = "dut-harness"

var (
	// ErrNoDeviceAvailable means no device matched the filter, or every match was checked out.
	ErrNoDeviceAvailable = errors.New("no matching device is available")

	ErrUnknownDevice = errors.New("device is not in the inventory")

	// errConflict means another writer changed the record between our read and our write.
	errConflict = errors.New("inventory record changed concurrently")
)

// Device is one inventory record.
type Device struct {
	ID           string     `json:"id"`
	IP           string     `json:"ip"`
	Product      string     `json:"product,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	Owner        string     `json:"owner,omitempty"`
	CheckedOutAt *time.Time `json:"checkedOutAt,omitempty"`
	// Settings are per-device values such as "serial.address" that apply whenever a run uses
	// this device.
	Settings map[string]string `json:"settings,omitempty"`
}

// Available returns true if nobody has checked the device out.
func (d Device) Available() bool {
	return d.Owner == ""
}

// Layer returns the device's identity and settings as a settings layer.
func (d Device) Layer() *settings.Layer {
	values := map[string]ldvalue.Value{
		settings.KeyDeviceID: ldvalue.String(d.ID),
		settings.KeyDeviceIP: ldvalue.String(d.IP),
	}
	if d.Product != "" {
		values[settings.KeyDeviceProduct] = ldvalue.String(d.Product)
	}
	for k, v := range d.Settings {
		values[k] = ldvalue.String(v)
	}
	return settings.NewLayer("inventory:"+d.ID, values)
}

// Filter selects devices. Empty fields match anything; every listed tag must be present.
type Filter struct {
	ID      string
	Product string
	Tags    []string
}

// ParseFilter reads a filter written as space-separated terms: "id=kdp-04", "product=KDP",
// or a bare word, which is taken as a tag. For instance "product=KDP raid usb3".
func ParseFilter(s string) (Filter, error) {
	var f Filter
	for _, term := range strings.Fields(s) {
		name, value, found := strings.Cut(term, "=")
		if !found {
			f.Tags = append(f.Tags, term)
			continue
		}
		switch name {
		case "id":
			f.ID = value
		case "product":
			f.Product = value
		case "tag":
			f.Tags = append(f.Tags, value)
		default:
			return Filter{}, fmt.Errorf("unknown device filter term %q", term)
		}
	}
	return f, nil
}

func (f Filter) Match(d Device) bool {
	if f.ID != "" && f.ID != d.ID {
		return false
	}
	if f.Product != "" && !strings.EqualFold(f.Product, d.Product) {
		return false
	}
	for _, tag := range f.Tags {
		if !helpers.SliceContains(tag, d.Tags) {
			return false
		}
	}
	return true
}

func (f Filter) String() string {
	var terms []string
	if f.ID != "" {
		terms = append(terms, "id="+f.ID)
	}
	if f.Product != "" {
		terms = append(terms, "product="+f.Product)
	}
	terms = append(terms, f.Tags...)
	if len(terms) == 0 {
		return "any device"
	}
	return strings.Join(terms, " ")
}

// KV is the subset of *consul.KV that the inventory uses.
type KV interface {
	Get(key string, q *consul.QueryOptions) (*consul.KVPair, *consul.QueryMeta, error)
	List(prefix string, q *consul.QueryOptions) (consul.KVPairs, *consul.QueryMeta, error)
	CAS(p *consul.KVPair, q *consul.WriteOptions) (bool, *consul.WriteMeta, error)
}

type config struct {
	prefix string
	logger framework.Logger
	now    func() time.Time
}

type Option helpers.ConfigOption[config]

// Prefix sets the KV path under which device records live. The default is DefaultPrefix.
func Prefix(prefix string) Option {
	return helpers.ConfigOptionFunc[config](func(c *config) error {
		c.prefix = strings.Trim(prefix, "/")
		return nil
	})
}

func Logger(logger framework.Logger) Option {
	return helpers.ConfigOptionFunc[config](func(c *config) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	})
}

func clock(now func() time.Time) Option {
	return helpers.ConfigOptionFunc[config](func(c *config) error {
		c.now = now
		return nil
	})
}

// Inventory is safe for concurrent use, including by several processes.
type Inventory struct {
	kv     KV
	config config
}

// New creates an Inventory on top of a KV store.
func New(kv KV, options ...Option) *Inventory {
	c := config{prefix: DefaultPrefix, logger: framework.NullLogger(), now: time.Now}
	_ = helpers.ApplyOptions(&c, options...)
	return &Inventory{kv: kv, config: c}
}

// Connect creates an Inventory backed by the Consul agent at address, e.g. "consul.lab:8500".
// An empty address uses the CONSUL_HTTP_ADDR environment variable or the local agent.
func Connect(address string, options ...Option) (*Inventory, error) {
	cfg := consul.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	client, err := consul.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("inventory: %w", err)
	}
	return New(client.KV(), options...), nil
}

func (inv *Inventory) devicesPath() string {
	return inv.config.prefix + "/devices/"
}

func (inv *Inventory) key(id string) string {
	return inv.devicesPath() + id
}

func decode(pair *consul.KVPair) (Device, error) {
	var d Device
	if err := json.Unmarshal(pair.Value, &d); err != nil {
		return Device{}, fmt.Errorf("inventory: malformed record at %s: %w", pair.Key, err)
	}
	return d, nil
}

// List returns every device, sorted by ID. Malformed records are logged and left out.
func (inv *Inventory) List(ctx context.Context) ([]Device, error) {
	devices, _, err := inv.list(ctx)
	return devices, err
}

func (inv *Inventory) list(ctx context.Context) ([]Device, map[string]uint64, error) {
	pairs, _, err := inv.kv.List(inv.devicesPath(), (&consul.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("inventory: %w", err)
	}
	devices := make([]Device, 0, len(pairs))
	indexes := make(map[string]uint64, len(pairs))
	for _, pair := range pairs {
		d, err := decode(pair)
		if err != nil {
			inv.config.logger.Printf("%s", err)
			continue
		}
		devices = append(devices, d)
		indexes[d.ID] = pair.ModifyIndex
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, indexes, nil
}

// Get returns one device, or ErrUnknownDevice.
func (inv *Inventory) Get(ctx context.Context, id string) (Device, error) {
	d, _, err := inv.get(ctx, id)
	return d, err
}

func (inv *Inventory) get(ctx context.Context, id string) (Device, uint64, error) {
	pair, _, err := inv.kv.Get(inv.key(id), (&consul.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return Device{}, 0, fmt.Errorf("inventory: %w", err)
	}
	if pair == nil {
		return Device{}, 0, fmt.Errorf("%s: %w", id, ErrUnknownDevice)
	}
	d, err := decode(pair)
	return d, pair.ModifyIndex, err
}

// cas writes d if the record is still at index. An index of 0 means the record must not exist.
func (inv *Inventory) cas(ctx context.Context, d Device, index uint64) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	ok, _, err := inv.kv.CAS(&consul.KVPair{Key: inv.key(d.ID), Value: data, ModifyIndex: index},
		(&consul.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("inventory: %w", err)
	}
	if !ok {
		return errConflict
	}
	return nil
}

// update applies change to the current record and writes it back, starting over if another
// writer got there first.
func (inv *Inventory) update(ctx context.Context, id string, change func(*Device) error) (Device, error) {
	return retry.Do(ctx, func(ctx context.Context) (Device, error) {
		d, index, err := inv.get(ctx, id)
		if err != nil {
			return Device{}, retry.Abort(err)
		}
		if err := change(&d); err != nil {
			return Device{}, retry.Abort(err)
		}
		return d, inv.cas(ctx, d, index)
	}, retry.RetryOn(errConflict), retry.Delay(100*time.Millisecond), retry.MaxRetry(10),
		retry.Name("update "+id), retry.Logger(inv.config.logger))
}

// Register adds a device, or updates the address, product, tags and settings of an existing
// one. The checkout state of an existing device is kept.
func (inv *Inventory) Register(ctx context.Context, d Device) error {
	if d.ID == "" || strings.Contains(d.ID, "/") {
		return fmt.Errorf("inventory: invalid device ID %q", d.ID)
	}
	d.Owner = ""
	d.CheckedOutAt = nil
	err := inv.cas(ctx, d, 0)
	if !errors.Is(err, errConflict) {
		return err
	}
	_, err = inv.update(ctx, d.ID, func(existing *Device) error {
		owner, since := existing.Owner, existing.CheckedOutAt
		*existing = d
		existing.Owner, existing.CheckedOutAt = owner, since
		return nil
	})
	return err
}

// Checkout claims the first available device that matches the filter, in ID order, and
// returns it with Owner set. If another run claims the same device at the same moment, the
// next candidate is tried. ErrNoDeviceAvailable is returned if nothing could be claimed.
func (inv *Inventory) Checkout(ctx context.Context, filter Filter, owner string) (Device, error) {
	if owner == "" {
		return Device{}, errors.New("inventory: checkout requires an owner")
	}
	devices, indexes, err := inv.list(ctx)
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if !filter.Match(d) || !d.Available() {
			continue
		}
		now := inv.config.now().UTC()
		d.Owner = owner
		d.CheckedOutAt = &now
		err := inv.cas(ctx, d, indexes[d.ID])
		if errors.Is(err, errConflict) {
			inv.config.logger.Printf("Device %s was claimed by someone else, trying the next one", d.ID)
			continue
		}
		if err != nil {
			return Device{}, err
		}
		inv.config.logger.Printf("Checked out device %s (%s) for %s", d.ID, d.IP, owner)
		return d, nil
	}
	return Device{}, fmt.Errorf("%s: %w", filter, ErrNoDeviceAvailable)
}

// Checkin releases a device. It fails if the device is checked out by someone other than
// owner. Checking in a device that is already available is not an error.
func (inv *Inventory) Checkin(ctx context.Context, id, owner string) error {
	_, err := inv.update(ctx, id, func(d *Device) error {
		if d.Owner != "" && d.Owner != owner {
			return fmt.Errorf("inventory: device %s is checked out by %q, not %q", id, d.Owner, owner)
		}
		d.Owner = ""
		d.CheckedOutAt = nil
		return nil
	})
	if err == nil {
		inv.config.logger.Printf("Checked in device %s", id)
	}
	return err
}
