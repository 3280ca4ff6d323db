package partition

import (
	"fmt"
	"sort"
)

// Catalog is the ordered set of partition types tenants can be assigned to.
// Immutable after construction.
type Catalog struct {
	byName  map[string]PartitionType
	ordered []PartitionType // ascending priority
}

// NewCatalog builds a catalog from the given types, or the default four-tier
// catalog when none are given.
func NewCatalog(types []PartitionType) (*Catalog, error) {
	if len(types) == 0 {
		types = DefaultPartitionTypes()
	}
	c := &Catalog{byName: make(map[string]PartitionType, len(types))}
	for _, t := range types {
		if t.Name == "" {
			return nil, fmt.Errorf("partition type with empty name")
		}
		if _, dup := c.byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate partition type %q", t.Name)
		}
		c.byName[t.Name] = t
		c.ordered = append(c.ordered, t)
	}
	sort.Slice(c.ordered, func(i, j int) bool { return c.ordered[i].Priority < c.ordered[j].Priority })
	return c, nil
}

// DefaultPartitionTypes returns the built-in tier ladder.
func DefaultPartitionTypes() []PartitionType {
	return []PartitionType{
		{
			Name:           "shared",
			Description:    "Multi-tenant shared pool",
			IsolationLevel: IsolationShared,
			Priority:       0,
			CostMultiplier: 1.0,
			Limits: ResourceLimits{
				MaxCPUCores: 2, MaxMemoryGB: 8, MaxStorageGB: 500,
				MaxNetworkMbps: 100, MaxConcurrentQueries: 50,
			},
		},
		{
			Name:           "dedicated_compute",
			Description:    "Dedicated compute, shared storage",
			IsolationLevel: IsolationDedicatedCompute,
			Priority:       1,
			CostMultiplier: 1.5,
			Limits: ResourceLimits{
				MaxCPUCores: 8, MaxMemoryGB: 32, MaxStorageGB: 2000,
				MaxNetworkMbps: 500, MaxConcurrentQueries: 200,
			},
		},
		{
			Name:           "dedicated_instance",
			Description:    "Fully dedicated instance",
			IsolationLevel: IsolationDedicatedInstance,
			Priority:       2,
			CostMultiplier: 2.5,
			Limits: ResourceLimits{
				MaxCPUCores: 32, MaxMemoryGB: 128, MaxStorageGB: 10000,
				MaxNetworkMbps: 2000, MaxConcurrentQueries: 1000,
			},
		},
		{
			Name:           "dedicated_cluster",
			Description:    "Dedicated multi-node cluster",
			IsolationLevel: IsolationDedicatedCluster,
			Priority:       3,
			CostMultiplier: 4.0,
			Limits: ResourceLimits{
				MaxCPUCores: 128, MaxMemoryGB: 512, MaxStorageGB: 100000,
				MaxNetworkMbps: 10000, MaxConcurrentQueries: 5000,
			},
		},
	}
}

// ByName looks up a partition type.
func (c *Catalog) ByName(name string) (PartitionType, error) {
	t, ok := c.byName[name]
	if !ok {
		return PartitionType{}, fmt.Errorf("%w: %s", ErrUnknownPartition, name)
	}
	return t, nil
}

// Types returns all partition types in ascending priority order.
func (c *Catalog) Types() []PartitionType {
	out := make([]PartitionType, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Lowest returns the lowest-priority tier, the default for new tenants.
func (c *Catalog) Lowest() PartitionType { return c.ordered[0] }

// ByRank returns the tier at the given position from the top: 0 is the
// highest-priority tier, 1 the next, and so on. Clamped to the lowest tier.
func (c *Catalog) ByRank(fromTop int) PartitionType {
	idx := len(c.ordered) - 1 - fromTop
	if idx < 0 {
		idx = 0
	}
	return c.ordered[idx]
}
