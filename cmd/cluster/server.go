package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/gocluster"
	"github.com/atlassian/gocluster/pkg/cluster/nodes"
	"github.com/atlassian/gocluster/pkg/codec"
	"github.com/atlassian/gocluster/pkg/coordination"
	"github.com/atlassian/gocluster/pkg/coordinators"
	"github.com/atlassian/gocluster/pkg/healthcheck"
	"github.com/atlassian/gocluster/pkg/metrics"
	"github.com/atlassian/gocluster/pkg/serverset"
	"github.com/atlassian/gocluster/pkg/singleton"
	"github.com/atlassian/gocluster/pkg/util"
	"github.com/atlassian/gocluster/pkg/web"
)

const (
	// leaveTimeout bounds how long shutdown waits to retract this member.
	leaveTimeout = 5 * time.Second
	// recontendInterval paces offering leadership once the retry policy has given up.
	recontendInterval = time.Second
)

// Cluster is everything for running a single member of a cluster.
type Cluster struct {
	Viper              *viper.Viper
	Logger             logrus.FieldLogger
	Backend            string
	Path               string
	Endpoint           gocluster.Endpoint
	Additional         map[string]gocluster.Endpoint
	Lead               bool
	DefeatOnDisconnect bool
	Codec              gocluster.Codec
	Backoff            util.BackoffFactory
	WebAddr            string
}

// newClusterFromViper reads the member configuration.  The advertised host defaults to the local
// address used to reach the first coordination server.
func newClusterFromViper(v *viper.Viper, logger logrus.FieldLogger) (*Cluster, error) {
	cdc, err := codec.FromName(v.GetString(gocluster.ParamCodec))
	if err != nil {
		return nil, err
	}
	bo, err := util.GetRetryFromViper(util.GetSubViper(v, "retry"))
	if err != nil {
		return nil, err
	}
	additional, err := gocluster.ParseAdditionalEndpoints(v.GetString(gocluster.ParamAdditionalEndpoints))
	if err != nil {
		return nil, err
	}
	port := v.GetInt(gocluster.ParamAdvertisePort)
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%s (%d) out of range", gocluster.ParamAdvertisePort, port)
	}
	host := v.GetString(gocluster.ParamAdvertiseHost)
	if host == "" {
		host, err = localHost(v.GetStringSlice(gocluster.ParamCoordinationServers))
		if err != nil {
			return nil, fmt.Errorf("failed to determine the host to advertise, set %s: %w", gocluster.ParamAdvertiseHost, err)
		}
	}

	return &Cluster{
		Viper:              v,
		Logger:             logger,
		Backend:            v.GetString(gocluster.ParamCoordinationBackend),
		Path:               v.GetString(gocluster.ParamPath),
		Endpoint:           gocluster.NewEndpoint(host, port, nil),
		Additional:         additional,
		Lead:               v.GetBool(gocluster.ParamLead),
		DefeatOnDisconnect: v.GetBool(gocluster.ParamDefeatOnDisconnect),
		Codec:              cdc,
		Backoff:            bo,
		WebAddr:            v.GetString(gocluster.ParamWebAddr),
	}, nil
}

// localHost returns the local address used to reach the first of servers, which may be host:port
// or a URL.
func localHost(servers []string) (string, error) {
	if len(servers) == 0 {
		return "", errors.New("no coordination servers")
	}
	target := servers[0]
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", err
		}
		target = u.Host
	}
	ip, err := nodes.LocalAddress(target)
	if err != nil {
		return "", err
	}
	return ip.String(), nil
}

// Run joins the cluster, and leaves it when ctx is done.
func (c *Cluster) Run(ctx context.Context) error {
	client, err := coordinators.Get(c.Logger, c.Backend, c.Viper)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			c.Logger.WithError(err).Warn("Failed to close the coordination client")
		}
	}()

	registry := metrics.NewRegistry()
	picker := nodes.NewConsistentNodePicker(c.Endpoint.String(), nodes.DefaultReplicas)
	tracker := nodes.NewServerSetTracker(c.Logger, picker, "")

	healthChecks := []healthcheck.HealthcheckFunc{
		func() (string, healthcheck.HealthyStatus) {
			return "running", healthcheck.Healthy
		},
	}
	deepChecks := []healthcheck.HealthcheckFunc{healthcheck.SessionCheck(client)}
	healthChecks, deepChecks = healthcheck.MaybeAppendHealthChecks(healthChecks, deepChecks, tracker)
	sources := web.Sources{
		Nodes:        picker,
		Gatherer:     registry.Gatherer(),
		HealthChecks: healthChecks,
		DeepChecks:   deepChecks,
	}

	var runnables []gocluster.Runnable
	var leave func(context.Context) error
	var ss *serverset.ServerSet
	if c.Lead {
		svc, err := singleton.New(c.Logger, client, c.Path,
			singleton.WithCodec(c.Codec),
			singleton.WithBackoff(c.Backoff),
			singleton.WithMetrics(registry))
		if err != nil {
			return err
		}
		ss = svc.ServerSet()
		sources.Leader = svc
		l := &leader{
			cluster:  c,
			client:   client,
			service:  svc,
			defeated: make(chan struct{}, 1),
		}
		if err := l.lead(ctx); err != nil {
			return err
		}
		runnables = append(runnables, l.Run)
		leave = svc.Abdicate
	} else {
		ss, err = serverset.New(c.Logger, client, c.Path,
			serverset.WithCodec(c.Codec),
			serverset.WithBackoff(c.Backoff),
			serverset.WithMetrics(registry))
		if err != nil {
			return err
		}
		status, err := ss.Join(ctx, gocluster.NewServiceInstance(c.Endpoint, c.Additional))
		if err != nil {
			return err
		}
		leave = func(ctx context.Context) error {
			return ss.Unjoin(ctx, status.Instance())
		}
	}
	sources.Members = ss
	if err := ss.SetListener(ctx, tracker); err != nil {
		_ = leave(context.Background())
		return err
	}

	if c.WebAddr != "" {
		hs, err := web.NewHttpServerFromViper(c.Viper, c.Logger, sources)
		if err != nil {
			_ = leave(context.Background())
			return err
		}
		runnables = gocluster.MaybeAppendRunnable(runnables, hs)
	}

	var wg wait.Group
	for _, runnable := range runnables {
		wg.StartWithContext(ctx, runnable)
	}
	c.Logger.WithFields(logrus.Fields{
		"path":     c.Path,
		"endpoint": c.Endpoint.String(),
		"lead":     c.Lead,
	}).Info("Joined cluster")

	<-ctx.Done()
	wg.Wait()

	leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := leave(leaveCtx); err != nil {
		c.Logger.WithError(err).Warn("Failed to leave the cluster cleanly")
	}
	return ctx.Err()
}

// leader contends for leadership of the singleton, advertising this member while it leads and
// contending again after every defeat.
type leader struct {
	cluster  *Cluster
	client   coordination.Client
	service  *singleton.Service
	defeated chan struct{}
}

func (l *leader) lead(ctx context.Context) error {
	var listener singleton.LeadershipListener = l
	if l.cluster.DefeatOnDisconnect {
		listener = singleton.DefeatOnDisconnectLeader(l.cluster.Logger, l.client, l)
	}
	return l.service.Lead(ctx, l.cluster.Endpoint, l.cluster.Additional, listener)
}

// Run offers leadership again after each defeat, until ctx is done.
func (l *leader) Run(ctx context.Context) {
	bo := l.cluster.Backoff()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.defeated:
		}
		for {
			err := l.lead(ctx)
			if err == nil {
				bo.Reset()
				break
			}
			if errors.Is(err, singleton.ErrAlreadyLeading) {
				// The defeated candidacy is still being abdicated.
				l.cluster.Logger.Debug("Waiting for the previous candidacy to end")
			} else {
				l.cluster.Logger.WithError(err).Warn("Failed to offer leadership")
			}
			next := bo.NextBackOff()
			if next == backoff.Stop {
				// The retry policy paces contention, it never ends it.
				bo.Reset()
				next = recontendInterval
			}
			if !util.InterruptableSleep(ctx, next) {
				return
			}
		}
	}
}

func (l *leader) OnLeading(control *singleton.LeaderControl) {
	l.cluster.Logger.Info("Elected leader")
	go func() {
		if err := control.Advertise(context.Background()); err != nil {
			l.cluster.Logger.WithError(err).Warn("Failed to advertise leader")
		}
	}()
}

func (l *leader) OnDefeated(status *serverset.EndpointStatus, advertised bool) {
	l.cluster.Logger.WithField("advertised", advertised).Warn("Defeated")
	if advertised {
		// The membership would otherwise keep advertising this member, and block advertising it
		// again once re-elected.
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		if err := status.Leave(ctx); err != nil {
			l.cluster.Logger.WithError(err).Warn("Failed to retract the advertised endpoint")
		}
		cancel()
	}
	select {
	case l.defeated <- struct{}{}:
	default:
	}
}
