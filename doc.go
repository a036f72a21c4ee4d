package main

// otel-demo-service simulates distributed applications for observability
// demos. A scenario is a YAML call graph: nodes are operations of named
// services, edges are downstream calls. Running a scenario walks the graph
// once per simulated request and emits one trace, with every span sent in the
// identity of its service:
//
// - each service gets Kubernetes-like resource attributes (cluster, namespace,
// deployment, pod, node, container) the first time it is seen, and keeps them
// for the life of the process.
// - node and edge attributes are constants or loadgen-style generators such as
// /ir1,5 or /eEUR,USD.
// - a node's own latency is split around its children, so a parent span always
// encloses its children.
//
// Fault patterns are declared per scenario and attached to nodes or edges:
// #   - latency: add a sampled delay and tag the span
// #   - error: fail with a probability, skip the node's downstream calls
// #   - escalate: add a delay that grows with every request (a leak)
//
// Which patterns are on, and the request rate, live in a small control record
// per scenario (a JSON file, or a redis key). The simulator re-reads it before
// every request, so changes take effect without a restart.

// "serve" runs the control API and a supervisor that starts each scenario as
// its own process, in its own process group, and stops it with SIGTERM and,
// after a grace period, SIGKILL. "run" is what the supervisor starts.
