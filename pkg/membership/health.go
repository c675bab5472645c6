package membership

// HealthReporter is implemented by layers that can score their own view of
// the network. Lower is healthier; -1 means not started.
type HealthReporter interface {
    HealthScore() int
}
