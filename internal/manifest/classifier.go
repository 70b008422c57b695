package manifest

import (
	"bufio"
	"context"
	"net/url"
	"os"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	VerdictClean   = 0
	VerdictBlocked = 1
)

// BlocklistClassifier flags hosts on a blocklist, including subdomains of a
// listed domain. The bloom filter answers most lookups; hits are confirmed
// against the exact set.
type BlocklistClassifier struct {
	filter *bloom.BloomFilter
	hosts  map[string]struct{}
}

func NewBlocklistClassifier(hosts []string) *BlocklistClassifier {
	n := uint(len(hosts))
	if n == 0 {
		n = 1
	}
	c := &BlocklistClassifier{
		filter: bloom.NewWithEstimates(n, 0.001),
		hosts:  make(map[string]struct{}, len(hosts)),
	}
	for _, host := range hosts {
		host = normalizeHost(host)
		if host == "" {
			continue
		}
		c.filter.AddString(host)
		c.hosts[host] = struct{}{}
	}
	return c
}

// LoadBlocklistFile reads one host per line; blank lines and # comments are skipped.
func LoadBlocklistFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	var hosts []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hosts = append(hosts, line)
	}
	return hosts, scanner.Err()
}

func (c *BlocklistClassifier) Classify(_ context.Context, rawURL string) (int, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return VerdictClean, err
	}
	host := normalizeHost(parsed.Hostname())
	for host != "" {
		if c.filter.TestString(host) {
			if _, ok := c.hosts[host]; ok {
				return VerdictBlocked, nil
			}
		}
		_, parent, ok := strings.Cut(host, ".")
		if !ok {
			break
		}
		host = parent
	}
	return VerdictClean, nil
}

func (c *BlocklistClassifier) Len() int {
	return len(c.hosts)
}

func normalizeHost(host string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(host)), ".")
}
