package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// implicitConfigName is the config file searched in CWD and $HOME when no
// explicit path is given. A missing implicit file is not an error.
const implicitConfigName = ".perfsentinel.yaml"

// envPrefix is the environment variable prefix for perfsentinel settings.
const envPrefix = "PERFSENTINEL"

// Raw-tree keys consumed by the loader before typed decoding.
const (
	environmentsKey   = "environments"
	profilesKey       = "profiles"
	analysisKey       = "analysis"
	stepOverridesKey  = "step_overrides"
	suiteOverridesKey = "suite_overrides"
	tagOverridesKey   = "tag_overrides"
)

// Overrides carries CLI-supplied values. Zero values mean "not set"; set
// values take precedence over every configuration layer.
type Overrides struct {
	Threshold     float64
	MaxHistory    int
	ProjectID     string
	HistoryFile   string
	BaseDirectory string
	Connection    string
	DatabaseName  string
	BucketName    string
	Region        string
	Prefix        string
	AdapterType   string
	Reporters     []string
	OutputDir     string
}

// paths maps each set override onto its fixed dotted config path.
func (o Overrides) paths() map[string]any {
	dotted := make(map[string]any)

	if o.Threshold > 0 {
		dotted["analysis.threshold"] = o.Threshold
	}

	if o.MaxHistory > 0 {
		dotted["analysis.max_history"] = o.MaxHistory
	}

	if o.ProjectID != "" {
		dotted["project.id"] = o.ProjectID
	}

	if o.HistoryFile != "" {
		dotted["storage.filesystem.history_file"] = o.HistoryFile
	}

	if o.BaseDirectory != "" {
		dotted["storage.filesystem.base_directory"] = o.BaseDirectory
	}

	if o.Connection != "" {
		dotted["storage.database.connection"] = o.Connection
	}

	if o.DatabaseName != "" {
		dotted["storage.database.name"] = o.DatabaseName
	}

	if o.BucketName != "" {
		dotted["storage.s3.bucket_name"] = o.BucketName
	}

	if o.Region != "" {
		dotted["storage.s3.region"] = o.Region
	}

	if o.Prefix != "" {
		dotted["storage.s3.prefix"] = o.Prefix
	}

	if o.AdapterType != "" {
		dotted["storage.adapter_type"] = o.AdapterType
	}

	if len(o.Reporters) > 0 {
		dotted["reporting.default_reporters"] = o.Reporters
	}

	if o.OutputDir != "" {
		dotted["reporting.output_dir"] = o.OutputDir
	}

	return dotted
}

// LoadOptions parameterizes one configuration resolution.
type LoadOptions struct {
	// ConfigFile is the explicit user configuration path. Empty searches
	// for the implicit file in CWD and $HOME; a missing implicit file
	// falls back to the embedded defaults.
	ConfigFile string

	// Environment selects a block under environments to merge.
	Environment string

	// Profile selects a block under profiles to merge.
	Profile string

	// Overrides are CLI-supplied values applied after all file layers.
	Overrides Overrides

	// Lookup resolves ${VAR} references; nil uses os.LookupEnv.
	Lookup LookupEnv
}

// Load resolves the layered configuration: embedded defaults, user file,
// environment block, profile block, CLI overrides, then ${VAR}
// interpolation, typed decoding, and validation. Resolution is idempotent:
// loading the same inputs twice yields the same Config.
func Load(opts LoadOptions) (*Config, error) {
	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	raw, defaultsErr := decodeYAMLTree(defaultsYAML, "embedded defaults")
	if defaultsErr != nil {
		return nil, defaultsErr
	}

	userErr := mergeUserFile(raw, opts.ConfigFile)
	if userErr != nil {
		return nil, userErr
	}

	envErr := mergeSelection(raw, environmentsKey, opts.Environment, ErrUnknownEnvironment)
	if envErr != nil {
		return nil, envErr
	}

	profileErr := mergeSelection(raw, profilesKey, opts.Profile, ErrUnknownProfile)
	if profileErr != nil {
		return nil, profileErr
	}

	overridePaths := opts.Overrides.paths()
	for path, value := range overridePaths {
		SetPath(raw, path, value)
	}

	InterpolateTree(raw, lookup)

	cfg, decodeErr := decodeTyped(raw, overridePaths)
	if decodeErr != nil {
		return nil, decodeErr
	}

	cfg.Raw = raw

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return cfg, nil
}

// EmitYAML serializes the merged configuration tree, unknown keys included.
func (c *Config) EmitYAML() ([]byte, error) {
	data, marshalErr := yaml.Marshal(c.Raw)
	if marshalErr != nil {
		return nil, fmt.Errorf("emit config: %w", marshalErr)
	}

	return data, nil
}

func decodeYAMLTree(data []byte, origin string) (map[string]any, error) {
	tree := make(map[string]any)

	unmarshalErr := yaml.Unmarshal(data, &tree)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, origin, unmarshalErr)
	}

	return tree, nil
}

func mergeUserFile(raw map[string]any, explicit string) error {
	path := explicit
	if path == "" {
		path = findImplicitConfig()
		if path == "" {
			return nil
		}
	}

	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return fmt.Errorf("%w: read %s: %w", ErrConfigInvalid, path, readErr)
	}

	user, decodeErr := decodeYAMLTree(data, path)
	if decodeErr != nil {
		return decodeErr
	}

	DeepMerge(raw, user)

	return nil
}

func findImplicitConfig() string {
	candidates := []string{implicitConfigName}

	home, homeErr := os.UserHomeDir()
	if homeErr == nil {
		candidates = append(candidates, filepath.Join(home, implicitConfigName))
	}

	for _, candidate := range candidates {
		_, statErr := os.Stat(candidate)
		if statErr == nil {
			return candidate
		}
	}

	return ""
}

// mergeSelection merges the named block under sectionKey into the root.
func mergeSelection(raw map[string]any, sectionKey, name string, missing error) error {
	if name == "" {
		return nil
	}

	section, _ := raw[sectionKey].(map[string]any)

	block, ok := section[name].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: %q", missing, name)
	}

	DeepMerge(raw, block)

	return nil
}

// decodeTyped turns the raw tree into the typed Config. The override maps
// (step/suite/tag) and the environments/profiles sections are stripped
// before viper sees the tree: viper splits keys on dots and lowercases
// them, which corrupts keys that are arbitrary step texts.
func decodeTyped(raw map[string]any, overridePaths map[string]any) (*Config, error) {
	sanitized := CloneTree(raw)
	delete(sanitized, environmentsKey)
	delete(sanitized, profilesKey)

	if analysis, ok := sanitized[analysisKey].(map[string]any); ok {
		delete(analysis, stepOverridesKey)
		delete(analysis, suiteOverridesKey)
		delete(analysis, tagOverridesKey)
	}

	viperCfg := viper.New()

	mergeErr := viperCfg.MergeConfigMap(sanitized)
	if mergeErr != nil {
		return nil, fmt.Errorf("%w: merge config map: %w", ErrConfigInvalid, mergeErr)
	}

	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperCfg.AutomaticEnv()

	// CLI overrides must outrank PERFSENTINEL_* variables, so they are also
	// placed at viper's override level.
	for path, value := range overridePaths {
		viperCfg.Set(path, value)
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %w", ErrConfigInvalid, unmarshalErr)
	}

	cfg.Analysis.StepOverrides = decodeOverrideSection(raw, stepOverridesKey)
	cfg.Analysis.SuiteOverrides = decodeOverrideSection(raw, suiteOverridesKey)
	cfg.Analysis.TagOverrides = decodeOverrideSection(raw, tagOverridesKey)

	return &cfg, nil
}

func decodeOverrideSection(raw map[string]any, sectionKey string) map[string]OverrideConfig {
	analysis, _ := raw[analysisKey].(map[string]any)

	section, _ := analysis[sectionKey].(map[string]any)
	if len(section) == 0 {
		return nil
	}

	overrides := make(map[string]OverrideConfig, len(section))

	for key, value := range section {
		block, ok := value.(map[string]any)
		if !ok {
			continue
		}

		overrides[key] = decodeOverride(block)
	}

	return overrides
}

func decodeOverride(block map[string]any) OverrideConfig {
	override := OverrideConfig{}

	if stepType, ok := block["step_type"].(string); ok {
		override.StepType = stepType
	}

	if threshold, ok := toFloat(block["threshold"]); ok {
		override.Threshold = threshold
	}

	if rules, ok := block["rules"].(map[string]any); ok {
		override.Rules = rules
	}

	return override
}

// toFloat widens YAML and JSON numeric scalars to float64.
func toFloat(value any) (float64, bool) {
	switch number := value.(type) {
	case float64:
		return number, true
	case float32:
		return float64(number), true
	case int:
		return float64(number), true
	case int64:
		return float64(number), true
	case uint64:
		return float64(number), true
	default:
		return 0, false
	}
}

// toBool narrows a scalar to bool.
func toBool(value any) (bool, bool) {
	flag, ok := value.(bool)

	return flag, ok
}
