package s3

import (
	"fmt"
)

const (
	defaultRegion             = "ru-central1"
	defaultEndpoint           = "https://storage.yandexcloud.net"
	defaultMultipartThreshold = 16 * 1024 * 1024
)

type Config struct {
	Endpoint           string `mapstructure:"Endpoint"`
	Region             string `mapstructure:"Region"`
	AccessKeyID        string `mapstructure:"AccessKeyID"`
	SecretAccessKey    string `mapstructure:"SecretAccessKey"`
	Bucket             string `mapstructure:"Bucket"`
	UsePathStyle       bool   `mapstructure:"UsePathStyle"`
	MultipartThreshold int64  `mapstructure:"MultipartThreshold"`
	PartSize           int64  `mapstructure:"PartSize"`
}

// Validate проверяет обязательные поля и подставляет значения по умолчанию
func (c *Config) Validate() error {
	if c.AccessKeyID == "" {
		return fmt.Errorf("AccessKeyID is required")
	}
	if c.SecretAccessKey == "" {
		return fmt.Errorf("SecretAccessKey is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("Bucket is required")
	}
	if c.Endpoint == "" {
		c.Endpoint = defaultEndpoint
	}
	if c.Region == "" {
		c.Region = defaultRegion
	}
	if c.PartSize < minPartSize {
		c.PartSize = minPartSize
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = defaultMultipartThreshold
	}
	if c.MultipartThreshold < c.PartSize {
		c.MultipartThreshold = c.PartSize
	}
	return nil
}
