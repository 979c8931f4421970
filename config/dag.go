package config

import "fmt"

// DeploymentPlan is a dependsOn-respecting deploy order across a set of
// channels.
type DeploymentPlan struct {
	order []string
}

// Order returns channel IDs in an order where every channel appears after
// everything it depends on.
func (p *DeploymentPlan) Order() []string {
	return p.order
}

// BuildDeploymentPlan topologically sorts channels by DependsOn using
// Kahn's algorithm.
func BuildDeploymentPlan(channels []*ChannelConfig) (*DeploymentPlan, error) {
	byID := make(map[string]*ChannelConfig, len(channels))
	for _, c := range channels {
		if _, dup := byID[c.ID]; dup {
			return nil, fmt.Errorf("config: duplicate channel id %q", c.ID)
		}
		byID[c.ID] = c
	}

	inDegree := make(map[string]int, len(channels))
	dependents := make(map[string][]string, len(channels))
	for _, c := range channels {
		inDegree[c.ID] = 0
	}
	for _, c := range channels {
		for _, dep := range c.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("channel %s: dependsOn unknown channel %q", c.ID, dep)
			}
			dependents[dep] = append(dependents[dep], c.ID)
			inDegree[c.ID]++
		}
	}

	queue := make([]string, 0, len(channels))
	for _, c := range channels {
		if inDegree[c.ID] == 0 {
			queue = append(queue, c.ID)
		}
	}

	order := make([]string, 0, len(channels))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(channels) {
		stuck := make([]string, 0)
		for id, degree := range inDegree {
			if degree > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, fmt.Errorf("config: dependsOn cycle detected involving channels: %v", stuck)
	}

	return &DeploymentPlan{order: order}, nil
}
