package domain

import (
	"fmt"
	"strings"
)

// Options is a set of independent per-request flags
type Options uint8

const (
	// Bypass the remembered-failure short-circuit
	OptionRetryFailed Options = 1 << iota
	// Hint to the fetcher that the request may be deferred
	OptionLowPriority
	// Never read from or write to the persistent cache
	OptionMemoryCacheOnly
	// Never read from or write to the memory cache
	OptionDiskCacheOnly
	// Passed through for presentation layers, unused by the manager
	OptionIgnorePlaceholder
	// Run the persistent cache lookup on the calling goroutine
	OptionInlineDiskLookup
)

var optionNames = []struct {
	option Options
	name   string
}{
	{OptionRetryFailed, "retryFailed"},
	{OptionLowPriority, "lowPriority"},
	{OptionMemoryCacheOnly, "memoryCacheOnly"},
	{OptionDiskCacheOnly, "diskCacheOnly"},
	{OptionIgnorePlaceholder, "ignorePlaceholder"},
	{OptionInlineDiskLookup, "inlineDiskLookup"},
}

func (o Options) Has(flag Options) bool {
	return o&flag == flag
}

func (o Options) Priority() Priority {
	if o.Has(OptionLowPriority) {
		return PriorityLow
	}
	return PriorityNormal
}

func (o Options) String() string {
	names := make([]string, 0, len(optionNames))
	for _, entry := range optionNames {
		if o.Has(entry.option) {
			names = append(names, entry.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseOptions parses a comma separated list of option names, as produced by Options.String
func ParseOptions(raw string) (Options, error) {
	var options Options
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}

		found := false
		for _, entry := range optionNames {
			if strings.EqualFold(entry.name, name) {
				options |= entry.option
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown option '%s'", ErrInvalidRequest, name)
		}
	}
	return options, nil
}
