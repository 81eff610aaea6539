package main

import (
	"bufio"
	"os"
	"strings"

	"github.com/forgecoord/bco/internal/wire"
)

// readConfigProperties reads a simple "name=value" per line config file,
// one entry per package/property override, matching the key=value shape of
// the original slave's Configuration file without that module's ConfigParser
// section machinery (this tree has no packages section to speak of).
func readConfigProperties(path string) ([]wire.Property, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var props []wire.Property
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		props = append(props, wire.Property{Name: strings.TrimSpace(parts[0]), Value: strings.TrimSpace(parts[1])})
	}
	return props, sc.Err()
}
