// Package compose renders a declared stack as a docker-compose document.
package compose

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/carlosprados/airstack/internal/resource"
)

type File struct {
	Name     string             `yaml:"name,omitempty"`
	Services map[string]Service `yaml:"services"`
	Networks map[string]Network `yaml:"networks,omitempty"`
	Volumes  map[string]Volume  `yaml:"volumes,omitempty"`
}

type Service struct {
	Image         string               `yaml:"image"`
	ContainerName string               `yaml:"container_name"`
	Entrypoint    []string             `yaml:"entrypoint,omitempty"`
	Command       []string             `yaml:"command,omitempty"`
	User          string               `yaml:"user,omitempty"`
	Environment   []string             `yaml:"environment,omitempty"`
	Ports         []string             `yaml:"ports,omitempty"`
	Volumes       []string             `yaml:"volumes,omitempty"`
	Networks      []string             `yaml:"networks"`
	DependsOn     map[string]Condition `yaml:"depends_on,omitempty"`
	HealthCheck   *HealthCheck         `yaml:"healthcheck,omitempty"`
	Restart       string               `yaml:"restart,omitempty"`
	Labels        map[string]string    `yaml:"labels,omitempty"`
}

type Condition struct {
	Condition string `yaml:"condition"`
}

type Network struct {
	Name   string `yaml:"name,omitempty"`
	Driver string `yaml:"driver,omitempty"`
}

type Volume struct {
	Name string `yaml:"name,omitempty"`
}

type HealthCheck struct {
	Test        []string `yaml:"test,omitempty"`
	Interval    string   `yaml:"interval,omitempty"`
	Timeout     string   `yaml:"timeout,omitempty"`
	Retries     int      `yaml:"retries,omitempty"`
	StartPeriod string   `yaml:"start_period,omitempty"`
}

// Build converts resolved containers into a compose file. deps maps each
// container to the containers it waits for.
func Build(project string, containers []resource.Container, deps map[string][]string) (*File, error) {
	byName := make(map[string]resource.Container, len(containers))
	for _, c := range containers {
		byName[c.Name] = c
	}
	f := &File{
		Name:     project,
		Services: map[string]Service{},
		Networks: map[string]Network{},
		Volumes:  map[string]Volume{},
	}
	for _, c := range containers {
		if c.Network.Name == "" {
			return nil, fmt.Errorf("container %s has no network", c.Name)
		}
		f.Networks[c.Network.Name] = Network{Name: c.Network.Name, Driver: "bridge"}
		svc := Service{
			Image:         c.Image.Name,
			ContainerName: c.Name,
			Entrypoint:    escapeAll(c.Entrypoint),
			Command:       escapeAll(c.Command),
			User:          c.User,
			Environment:   escapeAll(c.Env),
			Networks:      []string{c.Network.Name},
			Restart:       string(c.Restart),
			Labels:        c.Labels,
		}
		for _, p := range c.Ports {
			spec := fmt.Sprintf("%d:%d", p.External, p.Internal)
			if p.External == 0 {
				spec = fmt.Sprint(p.Internal)
			}
			if p.Protocol != "" && p.Protocol != "tcp" {
				spec += "/" + p.Protocol
			}
			svc.Ports = append(svc.Ports, spec)
		}
		for _, v := range c.Volumes {
			f.Volumes[v.Name] = Volume{Name: v.Name}
			svc.Volumes = append(svc.Volumes, mountSpec(v.Name, v.Target, v.ReadOnly))
		}
		for _, b := range c.Binds {
			svc.Volumes = append(svc.Volumes, mountSpec(b.HostPath, b.Target, b.ReadOnly))
		}
		if h := c.Health; h != nil {
			svc.HealthCheck = &HealthCheck{
				Test:    escapeAll(h.Test),
				Retries: h.Retries,
			}
			if h.Interval > 0 {
				svc.HealthCheck.Interval = h.Interval.String()
			}
			if h.Timeout > 0 {
				svc.HealthCheck.Timeout = h.Timeout.String()
			}
			if h.StartPeriod > 0 {
				svc.HealthCheck.StartPeriod = h.StartPeriod.String()
			}
		}
		for _, d := range deps[c.Name] {
			up, ok := byName[d]
			if !ok {
				return nil, fmt.Errorf("container %s depends on undeclared %s", c.Name, d)
			}
			if svc.DependsOn == nil {
				svc.DependsOn = map[string]Condition{}
			}
			svc.DependsOn[d] = Condition{Condition: condition(up)}
		}
		f.Services[c.Name] = svc
	}
	return f, nil
}

// Render builds and encodes the compose file.
func Render(project string, containers []resource.Container, deps map[string][]string) ([]byte, error) {
	sort.Slice(containers, func(i, j int) bool { return containers[i].Name < containers[j].Name })
	f, err := Build(project, containers, deps)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func condition(up resource.Container) string {
	switch {
	case up.RunOnce:
		return "service_completed_successfully"
	case up.Health != nil:
		return "service_healthy"
	}
	return "service_started"
}

func mountSpec(src, dst string, ro bool) string {
	if ro {
		return src + ":" + dst + ":ro"
	}
	return src + ":" + dst
}

// escapeAll keeps compose from interpolating values meant for the container.
func escapeAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ReplaceAll(s, "$", "$$")
	}
	return out
}
