package facts

import (
	"bufio"
	"strings"
)

// osRelease holds the fields of /etc/os-release used for platform detection.
type osRelease struct {
	ID        string
	IDLike    []string
	VersionID string
	Name      string
}

func parseOSRelease(data string) osRelease {
	var rel osRelease
	sc := bufio.NewScanner(strings.NewReader(data))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok || strings.HasPrefix(key, "#") {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "ID":
			rel.ID = strings.ToLower(value)
		case "ID_LIKE":
			rel.IDLike = strings.Fields(strings.ToLower(value))
		case "VERSION_ID":
			rel.VersionID = value
		case "NAME":
			rel.Name = value
		}
	}
	return rel
}

// platformNames maps os-release IDs to platform names where they differ.
var platformNames = map[string]string{
	"amzn":                "amazon",
	"ol":                  "oracle",
	"sles":                "suse",
	"opensuse-leap":       "opensuseleap",
	"opensuse-tumbleweed": "opensuse",
}

var platformFamilies = map[string]string{
	"debian":       "debian",
	"ubuntu":       "debian",
	"linuxmint":    "debian",
	"raspbian":     "debian",
	"pop":          "debian",
	"kali":         "debian",
	"rhel":         "rhel",
	"centos":       "rhel",
	"rocky":        "rhel",
	"almalinux":    "rhel",
	"oracle":       "rhel",
	"scientific":   "rhel",
	"cloudlinux":   "rhel",
	"fedora":       "fedora",
	"amazon":       "amazon",
	"suse":         "suse",
	"opensuse":     "suse",
	"opensuseleap": "suse",
	"arch":         "arch",
	"manjaro":      "arch",
	"alpine":       "alpine",
	"gentoo":       "gentoo",
	"freebsd":      "freebsd",
}

// platformName normalizes an os-release ID.
func platformName(id string) string {
	if name, ok := platformNames[id]; ok {
		return name
	}
	return id
}

// platformFamily maps a platform to its family, falling back to the
// ID_LIKE chain and finally the platform itself.
func platformFamily(platform string, like []string) string {
	if fam, ok := platformFamilies[platform]; ok {
		return fam
	}
	for _, l := range like {
		if fam, ok := platformFamilies[platformName(l)]; ok {
			return fam
		}
	}
	return platform
}
