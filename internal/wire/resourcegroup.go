package wire

import "fmt"

// GroupPolicy is the gang-scheduling affinity policy for a ResourceGroup.
type GroupPolicy int

const (
	PolicyNone GroupPolicy = iota
	PolicyPack
	PolicySpread
	PolicyStrictPack
	PolicyStrictSpread
)

func (p GroupPolicy) String() string {
	switch p {
	case PolicyPack:
		return "Pack"
	case PolicySpread:
		return "Spread"
	case PolicyStrictPack:
		return "StrictPack"
	case PolicyStrictSpread:
		return "StrictSpread"
	default:
		return "None"
	}
}

// BundleSpec describes one unmaterialized bundle slot within a
// ResourceGroup's ordered sequence.
type BundleSpec struct {
	Resources ResourceSpec      `json:"resources"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// BundleStatus is the lifecycle state of a materialized Bundle.
type BundleStatus int

const (
	BundlePending BundleStatus = iota
	BundleScheduling
	BundleCreated
)

func (s BundleStatus) String() string {
	switch s {
	case BundleScheduling:
		return "SCHEDULING"
	case BundleCreated:
		return "CREATED"
	default:
		return "PENDING"
	}
}

// Bundle is a single materialized resource reservation within a group.
type Bundle struct {
	BundleID        string       `json:"bundleId"`
	ParentRG        string       `json:"parentRg"`
	Tenant          string       `json:"tenant"`
	Index           int          `json:"index"`
	Spec            BundleSpec   `json:"spec"`
	FunctionProxyID string       `json:"functionProxyId,omitempty"`
	Status          BundleStatus `json:"status"`
}

// BundleID computes the stable bundle identifier:
// "{len(name)}_{name}_{requestID}_{index}".
func BundleID(name, requestID string, index int) string {
	return fmt.Sprintf("%d_%s_%s_%d", len(name), name, requestID, index)
}

// ResourceGroupStatus is the coarse lifecycle of a ResourceGroup.
type ResourceGroupStatus int

const (
	RGPending ResourceGroupStatus = iota
	RGCreated
	RGDeleting
)

func (s ResourceGroupStatus) String() string {
	switch s {
	case RGCreated:
		return "CREATED"
	case RGDeleting:
		return "DELETING"
	default:
		return "PENDING"
	}
}

// ResourceGroup is the gang-scheduling reservation unit.
type ResourceGroup struct {
	Name      string              `json:"name"`
	Tenant    string              `json:"tenant"`
	Owner     string              `json:"owner"`
	Priority  int                 `json:"priority"`
	Policy    GroupPolicy         `json:"policy"`
	RequestID string              `json:"requestId"`
	Bundles   []Bundle            `json:"bundles"`
	Status    ResourceGroupStatus `json:"status"`
	// Affinity carries the inner-group terms AffinityRules derived from
	// Policy at creation time, so the root Domain's group controller
	// sees them without recomputing the policy.
	Affinity []string `json:"affinity,omitempty"`
}

// AffinityRules derives the inner-group affinity terms implied by the
// group's Policy.
func (rg ResourceGroup) AffinityRules() []string {
	switch rg.Policy {
	case PolicyPack:
		return []string{"preferredAffinity(rgroup=" + rg.Name + ")"}
	case PolicySpread:
		return []string{"preferredAntiAffinity(rgroup=" + rg.Name + ")"}
	case PolicyStrictSpread:
		return []string{"requiredAntiAffinity(rgroup=" + rg.Name + ")"}
	default:
		// None and StrictPack add no affinity terms.
		return nil
	}
}
