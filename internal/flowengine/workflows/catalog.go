package workflows

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine"
)

// MetadataServiceType is the metadata key that may carry a service type
// for services without a catalog mapping.
const MetadataServiceType = "service_type"

// Catalog maps service types to definitions and service IDs to service types.
// It is built at start-up and read-only afterwards.
type Catalog struct {
	definitions map[string]Definition
	services    map[int64]string
}

// catalogFile is the YAML layout of a workflows file:
//
//	services:
//	  7: fiber
//	workflows:
//	  - service_type: fiber
//	    steps:
//	      - name: verify_payment
type catalogFile struct {
	Services  map[int64]string `yaml:"services"`
	Workflows []Definition     `yaml:"workflows"`
}

// NewCatalog returns a catalog holding only the built-in default definition.
func NewCatalog() *Catalog {
	c := &Catalog{
		definitions: make(map[string]Definition),
		services:    make(map[int64]string),
	}
	c.definitions[DefaultServiceType] = Default()
	return c
}

// Add registers a definition, replacing any existing one for its service type.
func (c *Catalog) Add(d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.Version == 0 {
		d.Version = 1
	}
	c.definitions[d.ServiceType] = d
	return nil
}

// MapService assigns a service ID to a service type.
func (c *Catalog) MapService(serviceID int64, serviceType string) {
	c.services[serviceID] = serviceType
}

// Get returns the definition for a service type.
func (c *Catalog) Get(serviceType string) (Definition, bool) {
	d, ok := c.definitions[serviceType]
	return d, ok
}

// ServiceTypes returns the registered service types, sorted.
func (c *Catalog) ServiceTypes() []string {
	types := make([]string, 0, len(c.definitions))
	for t := range c.definitions {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Resolve picks the definition for a service. The service type comes from the
// service mapping, then the service_type metadata key, then the default.
// A type without a definition falls back to the default definition.
func (c *Catalog) Resolve(serviceID int64, metadata flowengine.Metadata) (Definition, string) {
	serviceType, ok := c.services[serviceID]
	if !ok {
		serviceType = metadata.String(MetadataServiceType)
	}
	if serviceType == "" {
		serviceType = DefaultServiceType
	}

	if d, ok := c.definitions[serviceType]; ok {
		return d, serviceType
	}

	log.Debug().
		Int64("service_id", serviceID).
		Str("service_type", serviceType).
		Msg("No workflow for service type, using default")
	return c.definitions[DefaultServiceType], serviceType
}

// Load reads a YAML catalog on top of the built-in default.
func Load(r io.Reader) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode workflows: %w", err)
	}

	c := NewCatalog()
	for _, d := range file.Workflows {
		if err := c.Add(d); err != nil {
			return nil, err
		}
	}
	for id, serviceType := range file.Services {
		if _, ok := c.definitions[serviceType]; !ok {
			return nil, fmt.Errorf("service %d mapped to unknown workflow %q", id, serviceType)
		}
		c.MapService(id, serviceType)
	}
	return c, nil
}

// LoadFile reads a YAML catalog from path.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open workflows file: %w", err)
	}
	defer f.Close()

	c, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Info().Str("path", path).Strs("service_types", c.ServiceTypes()).Msg("Workflow catalog loaded")
	return c, nil
}
