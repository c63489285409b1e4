package registry

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
)

// FileSource reads registry data from a YAML fixture. Credentials may carry a
// plain api_key, which is hashed on load so fixtures stay readable.
type FileSource struct {
	Path string
}

type fileCredential struct {
	domain.Credential `yaml:",inline"`
	APIKey            string `yaml:"api_key"`
}

type fileData struct {
	Tenants       []domain.Tenant              `yaml:"tenants"`
	Credentials   []fileCredential             `yaml:"credentials"`
	Sensors       []domain.Sensor              `yaml:"sensors"`
	Rules         []domain.AlertRule           `yaml:"rules"`
	Subscriptions []domain.WebhookSubscription `yaml:"subscriptions"`
}

func (f FileSource) LoadRegistryData(_ context.Context) (Data, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return Data{}, fmt.Errorf("read registry fixture: %w", err)
	}
	return ParseYAML(raw)
}

// ParseYAML decodes a registry fixture document.
func ParseYAML(raw []byte) (Data, error) {
	var fd fileData
	if err := yaml.Unmarshal(raw, &fd); err != nil {
		return Data{}, fmt.Errorf("decode registry fixture: %w", err)
	}
	d := Data{
		Tenants:       fd.Tenants,
		Sensors:       fd.Sensors,
		Rules:         fd.Rules,
		Subscriptions: fd.Subscriptions,
	}
	for i, c := range fd.Credentials {
		cred := c.Credential
		if c.APIKey != "" {
			cred.Hash = HashCredential(c.APIKey)
		}
		if cred.Hash == "" {
			return Data{}, fmt.Errorf("credential %d (%s): neither hash nor api_key set", i, cred.DeviceID)
		}
		d.Credentials = append(d.Credentials, cred)
	}
	// Rules without created_at keep file order; OrderRules is stable.
	for _, r := range d.Rules {
		if !r.Algorithm.Valid() {
			return Data{}, fmt.Errorf("rule %q: unknown algorithm %q", r.ID, r.Algorithm)
		}
	}
	return d, nil
}
