package discovery

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeTXT creates the TXT records of an advertisement.
func EncodeTXT(info *ServiceInfo) TXTRecordMap {
	txt := make(TXTRecordMap)

	scheme := info.Scheme
	if scheme == "" {
		scheme = DefaultScheme
	}
	txt[TXTKeyScheme] = scheme

	if info.Path != "" {
		txt[TXTKeyPath] = info.Path
	}
	if info.Version != 0 {
		txt[TXTKeyVersion] = strconv.FormatUint(uint64(info.Version), 10)
	}
	return txt
}

// DecodeTXT parses the TXT records of a browse result. Instance and Port
// are not part of the records and stay zero.
func DecodeTXT(txt TXTRecordMap) (*ServiceInfo, error) {
	info := &ServiceInfo{Scheme: DefaultScheme}

	if s, ok := txt[TXTKeyScheme]; ok && s != "" {
		info.Scheme = strings.ToLower(s)
	}
	switch info.Scheme {
	case "ws", "wss", "tcp":
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidScheme, info.Scheme)
	}

	if p := txt[TXTKeyPath]; p != "" {
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		info.Path = p
	}

	if v, ok := txt[TXTKeyVersion]; ok {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyVersion, v)
		}
		info.Version = uint16(n)
	}
	return info, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, found := strings.Cut(s, "=")
		if k == "" {
			continue
		}
		if !found {
			// Key without value (boolean flag)
			v = ""
		}
		txt[strings.ToLower(k)] = v
	}
	return txt
}

// ValidateTXT checks the encoded size of the records. Each string costs
// one length byte on the wire.
func ValidateTXT(strs []string) error {
	size := 0
	for _, s := range strs {
		size += len(s) + 1
	}
	if size > MaxTXTRecordSize {
		return ErrTXTTooLarge
	}
	return nil
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
