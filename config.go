package mitm

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"golang.org/x/net/proxy"
	"gopkg.in/yaml.v3"
)

// Config wires the engine together. Hook chains and hand-offs are
// fixed before Serve; flows only ever read them.
type Config struct {
	Limiter         Limiter       // optional cap on concurrent flows
	Negotiator      Negotiator    // ingress handshake (SOCKS5, transparent)
	Resolver        Resolver      // IP to hostname recovery
	Dispatcher      Dispatcher    // detection and relay hand-off
	Mode            Mode          // ingress mode recorded on flows
	DefaultSNI      string        // leaf name of last resort
	CA              *CA           // leaf certificate authority
	Pipeline        *Pipeline     // request/response hook pipeline
	Publisher       *Publisher    // viewer fan-out, nil publishes nothing
	Dialer          proxy.Dialer  // origin egress, optionally chained
	ClientTLSConfig *tls.Config   // server-facing leg TLS settings
	IdleTimeout     time.Duration // forces teardown of quiet flows

	wsHandlers  []WsHandlerFn
	rawHandlers []RawHandlerFn
}

func NewConfig(ca *CA) *Config {
	return &Config{
		Negotiator:      Socks5Negotiator,
		Resolver:        defaultResolver,
		Dispatcher:      defaultDispatcher,
		Mode:            ModeSOCKS5,
		CA:              ca,
		Pipeline:        NewPipeline(),
		ClientTLSConfig: &tls.Config{InsecureSkipVerify: true},
	}
}

// FileConfig is the YAML surface consumed by the example binaries.
type FileConfig struct {
	Listen      string        `yaml:"listen"`
	Mode        string        `yaml:"mode"`
	Viewer      string        `yaml:"viewer"`
	CACert      string        `yaml:"ca_cert"`
	CAKey       string        `yaml:"ca_key"`
	Upstream    string        `yaml:"upstream"`
	DNS         string        `yaml:"dns"`
	DefaultSNI  string        `yaml:"default_sni"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	MaxFlows    int           `yaml:"max_flows"`
	Plugins     struct {
		Request  []string `yaml:"request"`
		Response []string `yaml:"response"`
	} `yaml:"plugins"`
}

func LoadConfig(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	fc := &FileConfig{}
	if err = yaml.Unmarshal(raw, fc); err != nil {
		return nil, err
	}
	return fc, nil
}

// Build turns the file surface into a runnable Config. The publisher is
// returned unstarted; callers decide where it listens.
func (fc *FileConfig) Build() (*Config, error) {
	ca, err := LoadCA(fc.CACert, fc.CAKey)
	if err != nil {
		return nil, err
	}

	cfg := NewConfig(ca)
	cfg.DefaultSNI = fc.DefaultSNI
	cfg.IdleTimeout = fc.IdleTimeout

	switch fc.Mode {
	case "", "socks5":
		cfg.Mode, cfg.Negotiator = ModeSOCKS5, Socks5Negotiator
	case "transparent":
		cfg.Mode, cfg.Negotiator = ModeTransparent, TransparentNegotiator
	default:
		return nil, fmt.Errorf("config: unsupported mode %q", fc.Mode)
	}

	if fc.MaxFlows > 0 {
		cfg.Limiter = NewTokenBucket(fc.MaxFlows)
	}

	if fc.DNS != "" {
		cfg.Resolver = NewResolver(fc.DNS)
	}

	if fc.Upstream != "" {
		cfg.Dialer, err = FromURL(fc.Upstream, proxy.Direct)
		if err != nil {
			return nil, err
		}
	}

	if fc.Viewer != "" {
		cfg.Publisher = NewPublisher(DefaultQueueDepth)
	}

	for _, script := range fc.Plugins.Request {
		cfg.Pipeline.Register(NewExecHook(script, PhaseRequest))
	}
	for _, script := range fc.Plugins.Response {
		cfg.Pipeline.Register(NewExecHook(script, PhaseResponse))
	}

	return cfg, nil
}
