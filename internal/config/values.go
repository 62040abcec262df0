package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"routeGuard/internal/endpoint"
)

// parseEndpoints reads "url|tier" entries; a missing tier means 1.
func parseEndpoints(items []string) ([]endpoint.Spec, error) {
	out := make([]endpoint.Spec, 0, len(items))
	for _, item := range items {
		url, tierText, hasTier := strings.Cut(item, "|")
		url = strings.TrimSpace(url)
		if url == "" {
			return nil, fmt.Errorf("endpoint %q: url is empty", item)
		}
		tier := 1
		if hasTier {
			n, err := strconv.Atoi(strings.TrimSpace(tierText))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("endpoint %q: invalid tier", item)
			}
			tier = n
		}
		out = append(out, endpoint.Spec{URL: url, Tier: tier})
	}
	return out, nil
}

func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseAddresses(items []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(items))
	for _, item := range items {
		addr, err := parseAddress(item)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// parseAddressMap turns token=venue pairs into an address keyed map.
func parseAddressMap(in map[string]string) (map[common.Address]string, error) {
	out := make(map[common.Address]string, len(in))
	for token, venue := range in {
		addr, err := parseAddress(token)
		if err != nil {
			return nil, err
		}
		out[addr] = venue
	}
	return out, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

func getStringMap(v *viper.Viper, key string) map[string]string {
	if !v.IsSet(key) {
		return map[string]string{}
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case map[string]string:
		return typed
	case map[string]interface{}:
		out := make(map[string]string, len(typed))
		for k, v := range typed {
			out[k] = fmt.Sprintf("%v", v)
		}
		return out
	case string:
		return parseStringMap(typed)
	default:
		return map[string]string{}
	}
}

func parseStringMap(input string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(input) == "" {
		return out
	}
	pairs := strings.Split(input, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
