package config

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Load parses the simulator's INI dialect: `[section]` headers,
// `Key = Value` pairs, `;`/`#` comments, blank lines ignored.
func Load(r io.Reader) (*Config, error) {
	raw := map[string]map[string]string{}
	section := ""
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			if _, ok := raw[section]; !ok {
				raw[section] = map[string]string{}
			}
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, fmt.Errorf("config: malformed line %q", line)
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if section == "" {
			return nil, fmt.Errorf("config: key %q outside of any [section]", key)
		}
		raw[section][key] = val
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: scan: %w", err)
	}

	get := func(sec, key string) (string, bool) {
		v, ok := raw[sec][key]
		return v, ok
	}
	reqInt := func(sec, key string) (int64, error) {
		v, ok := get(sec, key)
		if !ok {
			return 0, fmt.Errorf("config: missing required key %s.%s", sec, key)
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("config: %s.%s: %w", sec, key, err)
		}
		return n, nil
	}
	optFloat := func(sec, key string, def float64) (float64, error) {
		v, ok := get(sec, key)
		if !ok {
			return def, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("config: %s.%s: %w", sec, key, err)
		}
		return f, nil
	}
	optInt := func(sec, key string, def int64) (int64, error) {
		v, ok := get(sec, key)
		if !ok {
			return def, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("config: %s.%s: %w", sec, key, err)
		}
		return n, nil
	}
	optBool := func(sec, key string, def bool) (bool, error) {
		v, ok := get(sec, key)
		if !ok {
			return def, nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("config: %s.%s: %w", sec, key, err)
		}
		return b, nil
	}

	var c Config

	nandType, err := reqInt("ssd", "NANDType")
	if err != nil {
		return nil, err
	}
	c.Geometry.NANDType = NANDType(nandType)

	for _, f := range []struct {
		key string
		dst *uint32
	}{
		{"NumChannel", &c.Geometry.Channels},
		{"NumPackage", &c.Geometry.WaysPerChannel},
		{"NumDie", &c.Geometry.DiesPerWay},
		{"NumPlane", &c.Geometry.PlanesPerDie},
		{"NumBlock", &c.Geometry.BlocksPerPlane},
		{"NumPage", &c.Geometry.PagesPerBlock},
		{"SizePage", &c.Geometry.PageSizeBytes},
		{"DMAMhz", &c.Geometry.DMASpeedMTps},
		{"DMAWidth", &c.Geometry.DMAWidthBits},
	} {
		n, err := reqInt("ssd", f.key)
		if err != nil {
			return nil, err
		}
		*f.dst = uint32(n)
	}

	order, err := optInt("ssd", "UseMultiPlane", 0)
	if err != nil {
		return nil, err
	}
	c.Geometry.UseMultiPlane = order != 0
	c.Geometry.PageAllocationOrder = DefaultPageAllocationOrder(c.Geometry.UseMultiPlane)

	// AddrRemap_* positions range over all six PPN terms (page and block
	// included); only the relative order of the four interleave axes
	// matters for the allocation order, since block and page always
	// occupy the remaining divmod terms. A position outside 0..5 or a
	// duplicate across axes is a hard configuration error.
	var remapPos [axisCount]int64
	remapKeys := [axisCount]string{AxisChannel: "AddrRemap_CHANNEL", AxisWay: "AddrRemap_PACKAGE", AxisDie: "AddrRemap_DIE", AxisPlane: "AddrRemap_PLANE"}
	haveRemap := false
	for ax, key := range remapKeys {
		if v, ok := get("ftl", key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("config: ftl.%s: %w", key, err)
			}
			remapPos[ax] = n
			haveRemap = true
		}
	}
	if haveRemap {
		axes := [axisCount]Axis{AxisChannel, AxisWay, AxisDie, AxisPlane}
		for _, ax := range axes {
			if remapPos[ax] < 0 || remapPos[ax] > 5 {
				return nil, fmt.Errorf("config: ftl.%s=%d out of range", remapKeys[ax], remapPos[ax])
			}
		}
		order := axes
		sort.SliceStable(order[:], func(i, j int) bool { return remapPos[order[i]] < remapPos[order[j]] })
		for i := 1; i < len(order); i++ {
			if remapPos[order[i]] == remapPos[order[i-1]] {
				return nil, fmt.Errorf("config: ftl.%s and ftl.%s share position %d", remapKeys[order[i-1]], remapKeys[order[i]], remapPos[order[i]])
			}
		}
		c.Geometry.PageAllocationOrder = order
	}

	sb, err := optInt("ftl", "SuperblockDegree", 1)
	if err != nil {
		return nil, err
	}
	c.Geometry.SuperblockDegree = uint32(sb)
	c.FTL.SuperblockDegree = uint32(sb)

	if c.FTL.OverProvisionRatio, err = optFloat("ftl", "FTLOP", 0.07); err != nil {
		return nil, err
	}
	if c.FTL.GCThreshold, err = optFloat("ftl", "FTLGCThreshold", 0.05); err != nil {
		return nil, err
	}
	eraseCycle, err := optInt("ftl", "FTLEraseCycle", 10000)
	if err != nil {
		return nil, err
	}
	c.FTL.EraseCycleLimit = uint64(eraseCycle)
	if c.FTL.Warmup, err = optFloat("ftl", "Warmup", 0); err != nil {
		return nil, err
	}
	reclaimBlocks, err := optInt("ftl", "FTLReclaimBlocks", 1)
	if err != nil {
		return nil, err
	}
	c.FTL.ReclaimBlockCount = uint32(reclaimBlocks)
	if c.FTL.ReclaimThreshold, err = optFloat("ftl", "FTLReclaimThreshold", 0.1); err != nil {
		return nil, err
	}
	gcMode, err := optInt("ftl", "FTLGCMode", int64(GCStatic))
	if err != nil {
		return nil, err
	}
	c.FTL.GCMode = GCMode(gcMode)

	if c.ICL.EnableReadCache, err = optBool("icl", "EnableReadCache", true); err != nil {
		return nil, err
	}
	if c.ICL.EnableWriteCache, err = optBool("icl", "EnableWriteCache", true); err != nil {
		return nil, err
	}
	if c.ICL.EnableReadPrefetch, err = optBool("icl", "EnableReadPrefetch", false); err != nil {
		return nil, err
	}
	cacheSize, err := optInt("icl", "CacheSize", 1)
	if err != nil {
		return nil, err
	}
	entrySize, err := optInt("icl", "EntrySize", int64(c.Geometry.PageSizeBytes))
	if err != nil {
		return nil, err
	}
	c.ICL.EntrySizeBytes = uint32(entrySize)
	waysPerSet, err := optInt("icl", "CacheWays", 1)
	if err != nil {
		return nil, err
	}
	c.ICL.Ways = uint32(waysPerSet)
	if c.ICL.Ways == 0 {
		c.ICL.Ways = 1
	}
	c.ICL.Sets = uint32(cacheSize) / c.ICL.Ways
	if c.ICL.Sets == 0 {
		c.ICL.Sets = 1
	}
	evict, err := optInt("icl", "EvictPolicy", int64(EvictLRU))
	if err != nil {
		return nil, err
	}
	c.ICL.Evict = EvictPolicy(evict)

	maxSQ, err := optInt("nvme", "MaxSQ", 1)
	if err != nil {
		return nil, err
	}
	c.NVMe.MaxSQ = uint32(maxSQ)
	maxCQ, err := optInt("nvme", "MaxCQ", 1)
	if err != nil {
		return nil, err
	}
	c.NVMe.MaxCQ = uint32(maxCQ)
	hpw, err := optInt("nvme", "WRR.High", 2)
	if err != nil {
		return nil, err
	}
	c.NVMe.WRRHighWeight = uint32(hpw)
	mpw, err := optInt("nvme", "WRR.Medium", 1)
	if err != nil {
		return nil, err
	}
	c.NVMe.WRRMediumWeight = uint32(mpw)
	lpw, err := optInt("nvme", "WRR.Low", 0)
	if err != nil {
		return nil, err
	}
	c.NVMe.WRRLowWeight = uint32(lpw)
	workInterval, err := optInt("nvme", "WorkInterval", 500)
	if err != nil {
		return nil, err
	}
	c.NVMe.WorkIntervalTicks = uint64(workInterval)
	reqQSize, err := optInt("nvme", "RequestQueueSize", 64)
	if err != nil {
		return nil, err
	}
	c.NVMe.RequestQueueSize = uint32(reqQSize)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// DefaultPageAllocationOrder returns {Plane,Channel,Way,Die} when
// multi-plane is enabled (Plane forced to the front) or
// {Channel,Way,Die,Plane} otherwise.
func DefaultPageAllocationOrder(multiPlane bool) [axisCount]Axis {
	if multiPlane {
		return [axisCount]Axis{AxisPlane, AxisChannel, AxisWay, AxisDie}
	}
	return [axisCount]Axis{AxisChannel, AxisWay, AxisDie, AxisPlane}
}
