// Package identity generates the per-service resource metadata attached to
// every span a simulated service emits.
package identity

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"github.com/wolfgangB33r/otel-demo-service/internal/rng"
)

const DefaultVersion = "1.0.0"

// Placement describes the simulated cluster a scenario's services run in.
type Placement struct {
	Cluster          string `yaml:"cluster"`
	Namespace        string `yaml:"namespace"`
	DeploymentSuffix string `yaml:"deployment_suffix"`
	PodInfix         string `yaml:"pod_infix"`
	Pods             int    `yaml:"pods"`
	NodePrefix       string `yaml:"node_prefix"`
	Nodes            int    `yaml:"nodes"`
	ShortIDs         bool   `yaml:"short_ids"`
}

// DefaultPlacement is used for any field a scenario leaves empty.
var DefaultPlacement = Placement{
	Cluster:    "demo-cluster",
	Namespace:  "default",
	PodInfix:   "-",
	Pods:       100,
	NodePrefix: "node-",
	Nodes:      10,
}

// withDefaults fills zero fields from DefaultPlacement.
func (p Placement) withDefaults() Placement {
	if p.Cluster == "" {
		p.Cluster = DefaultPlacement.Cluster
	}
	if p.Namespace == "" {
		p.Namespace = DefaultPlacement.Namespace
	}
	if p.PodInfix == "" {
		p.PodInfix = DefaultPlacement.PodInfix
	}
	if p.Pods <= 0 {
		p.Pods = DefaultPlacement.Pods
	}
	if p.NodePrefix == "" {
		p.NodePrefix = DefaultPlacement.NodePrefix
	}
	if p.Nodes <= 0 {
		p.Nodes = DefaultPlacement.Nodes
	}
	return p
}

// ServiceNode is the identity of one simulated service. It never changes
// after the registry creates it.
type ServiceNode struct {
	Name          string
	Version       string
	InstanceID    string
	Cluster       string
	Namespace     string
	Deployment    string
	PodName       string
	PodUID        string
	ContainerName string
	ContainerID   string
	HostName      string
	OSType        string
}

// Attributes returns the node as OpenTelemetry resource attributes.
func (n *ServiceNode) Attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.ServiceNameKey.String(n.Name),
		semconv.ServiceVersionKey.String(n.Version),
		semconv.ServiceInstanceIDKey.String(n.InstanceID),
		semconv.K8SClusterNameKey.String(n.Cluster),
		semconv.K8SNamespaceNameKey.String(n.Namespace),
		semconv.K8SDeploymentNameKey.String(n.Deployment),
		semconv.K8SPodNameKey.String(n.PodName),
		semconv.K8SPodUIDKey.String(n.PodUID),
		semconv.ContainerNameKey.String(n.ContainerName),
		semconv.ContainerIDKey.String(n.ContainerID),
		semconv.HostNameKey.String(n.HostName),
		semconv.OSTypeKey.String(n.OSType),
	}
}

// Fields returns the same metadata as a flat map, for senders that do not
// understand resources.
func (n *ServiceNode) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, 12)
	for _, kv := range n.Attributes() {
		fields[string(kv.Key)] = kv.Value.AsString()
	}
	return fields
}

// Registry hands out one ServiceNode per service name for the lifetime of
// the process.
type Registry struct {
	mut       sync.Mutex
	placement Placement
	rng       *rng.Rng
	nodes     map[string]*ServiceNode
	order     []string
}

func NewRegistry(placement Placement, r *rng.Rng) *Registry {
	return &Registry{
		placement: placement.withDefaults(),
		rng:       r,
		nodes:     make(map[string]*ServiceNode),
	}
}

// IdentityFor returns the cached node for name, creating it on first use.
// The version only matters on that first call.
func (r *Registry) IdentityFor(name, version string) *ServiceNode {
	r.mut.Lock()
	defer r.mut.Unlock()
	if n, ok := r.nodes[name]; ok {
		return n
	}
	if version == "" {
		version = DefaultVersion
	}
	p := r.placement
	n := &ServiceNode{
		Name:          name,
		Version:       version,
		InstanceID:    r.newID(),
		Cluster:       p.Cluster,
		Namespace:     p.Namespace,
		Deployment:    name + p.DeploymentSuffix,
		PodName:       fmt.Sprintf("%s%s%d", name, p.PodInfix, r.rng.Int(1, p.Pods+1)),
		PodUID:        r.uuid().String(),
		ContainerName: name,
		ContainerID:   r.newID(),
		HostName:      fmt.Sprintf("%s%d", p.NodePrefix, r.rng.Int(1, p.Nodes+1)),
		OSType:        "linux",
	}
	r.nodes[name] = n
	r.order = append(r.order, name)
	return n
}

// Nodes returns all nodes created so far, in creation order.
func (r *Registry) Nodes() []*ServiceNode {
	r.mut.Lock()
	defer r.mut.Unlock()
	nodes := make([]*ServiceNode, 0, len(r.order))
	for _, name := range r.order {
		nodes = append(nodes, r.nodes[name])
	}
	return nodes
}

func (r *Registry) newID() string {
	id := r.uuid().String()
	if r.placement.ShortIDs {
		return id[:12]
	}
	return id
}

// uuid draws from the registry's rng so seeded runs repeat their identities.
func (r *Registry) uuid() uuid.UUID {
	id, err := uuid.NewRandomFromReader(r.rng)
	if err != nil {
		return uuid.New()
	}
	return id
}
