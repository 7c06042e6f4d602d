package xconf

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Format 是配置文件格式。
type Format string

// 支持的格式。
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// DetectFormat 按扩展名识别格式。
func DetectFormat(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: unknown extension %q", ErrUnsupportedFormat, ext)
	}
}

// Load 读取 path 并覆盖到 target，随后应用环境变量。
// path 为空时只应用环境变量。
func Load(path string, target any, opts ...Option) error {
	if path == "" {
		return LoadBytes(nil, FormatYAML, target, opts...)
	}
	format, err := DetectFormat(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	return LoadBytes(data, format, target, opts...)
}

// LoadBytes 与 Load 相同，但直接解析 data。
func LoadBytes(data []byte, format Format, target any, opts ...Option) error {
	if rv := reflect.ValueOf(target); rv.Kind() != reflect.Pointer || rv.IsNil() {
		return ErrNilTarget
	}
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	if len(data) > 0 {
		k := koanf.New(".")
		if err := loadData(k, data, format); err != nil {
			return err
		}
		if err := k.UnmarshalWithConf("", target, koanf.UnmarshalConf{Tag: o.tag}); err != nil {
			return fmt.Errorf("%w: %w", ErrUnmarshalFailed, err)
		}
	}

	if o.skipEnv {
		return nil
	}
	envOpts := env.Options{Prefix: o.envPrefix}
	if o.environment != nil {
		envOpts.Environment = o.environment
	}
	if err := env.ParseWithOptions(target, envOpts); err != nil {
		return fmt.Errorf("%w: %w", ErrUnmarshalFailed, err)
	}
	return nil
}

func loadData(k *koanf.Koanf, data []byte, format Format) error {
	var parser koanf.Parser
	switch format {
	case FormatYAML:
		parser = yaml.Parser()
	case FormatJSON:
		parser = json.Parser()
	default:
		return ErrUnsupportedFormat
	}
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return fmt.Errorf("%w: %w", ErrParseFailed, err)
	}
	return nil
}
