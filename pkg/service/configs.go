package service

import (
	"os"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/houseofcat/turbocookedpool/pkg/cache"
	"github.com/houseofcat/turbocookedpool/pkg/pool"
)

// ResourceSeasoning represents the configuration of a ResourceService.
type ResourceSeasoning struct {
	PoolConfig  *pool.PoolConfig   `json:"PoolConfig" yaml:"PoolConfig"`
	CacheConfig *cache.CacheConfig `json:"CacheConfig" yaml:"CacheConfig"`
}

// ConvertJSONFileToConfig opens a file.json and converts to ResourceSeasoning.
func ConvertJSONFileToConfig(fileNamePath string) (*ResourceSeasoning, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &ResourceSeasoning{}
	var json = jsoniter.ConfigFastest
	err = json.Unmarshal(byteValue, config)

	return config, err
}

// ConvertYAMLFileToConfig opens a file.yaml and converts to ResourceSeasoning.
func ConvertYAMLFileToConfig(fileNamePath string) (*ResourceSeasoning, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &ResourceSeasoning{}
	err = yaml.Unmarshal(byteValue, config)

	return config, err
}
