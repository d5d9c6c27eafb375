package zone

import (
	"fmt"

	"github.com/containerd/cgroups/v3/cgroup1"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// DefaultCPUShares matches spec.md §4.9's DEFAULT_CPU_SHARES constant.
const DefaultCPUShares uint64 = 1024

// DefaultCFSPeriodUs matches spec.md §4.9's cpu.cfs_period_us default.
const DefaultCFSPeriodUs uint64 = 100000

const (
	minPeriodUs = 1000
	maxPeriodUs = 1_000_000
	minQuotaUs  = 1000
	// ULLONG_MAX/1000, spec.md §4.9's upper quota bound.
	maxQuotaUs = int64(^uint64(0) / 1000)
)

func validatePeriod(periodUs uint64) error {
	if periodUs < minPeriodUs || periodUs > maxPeriodUs {
		return fmt.Errorf("zone: cfs_period_us %d out of range [%d, %d]", periodUs, minPeriodUs, maxPeriodUs)
	}
	return nil
}

func validateQuota(quotaUs int64) error {
	if quotaUs == -1 {
		return nil
	}
	if quotaUs < minQuotaUs || quotaUs > maxQuotaUs {
		return fmt.Errorf("zone: cfs_quota_us %d out of range {-1} U [%d, %d]", quotaUs, minQuotaUs, maxQuotaUs)
	}
	return nil
}

// setSchedulerLevel writes cpu.shares/cpu.cfs_period_us/cpu.cfs_quota_us
// for the zone's cgroup. Callers must already hold z.mu.
func (z *Zone) setSchedulerLevel(level SchedLevel) error {
	if z.state != StateRunning {
		return &ErrInvalidTransition{From: z.state, Op: "set_scheduler_level"}
	}
	if z.cgroup == nil {
		return fmt.Errorf("zone: %s: no cgroup attached", z.cfg.ID)
	}

	quota := z.cfg.CPUQuotaBackground
	if level == SchedForeground {
		quota = z.cfg.CPUQuotaForeground
	}

	if err := validatePeriod(DefaultCFSPeriodUs); err != nil {
		return err
	}
	if err := validateQuota(quota); err != nil {
		return err
	}

	shares := DefaultCPUShares
	period := DefaultCFSPeriodUs

	err := z.cgroup.Update(&specs.LinuxResources{
		CPU: &specs.LinuxCPU{
			Shares: &shares,
			Period: &period,
			Quota:  &quota,
		},
	})
	if err != nil {
		return fmt.Errorf("zone: %s: update scheduler level: %w", z.cfg.ID, err)
	}

	z.schedLevel = level
	return nil
}

func cgroupPath(zoneID string) cgroup1.Path {
	return cgroup1.StaticPath("/vasum/" + zoneID)
}

func newZoneCgroup(zoneID string, initialQuota int64) (cgroup1.Cgroup, error) {
	shares := DefaultCPUShares
	period := DefaultCFSPeriodUs
	quota := initialQuota

	cg, err := cgroup1.New(cgroupPath(zoneID), &specs.LinuxResources{
		CPU: &specs.LinuxCPU{
			Shares: &shares,
			Period: &period,
			Quota:  &quota,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("zone: %s: create cgroup: %w", zoneID, err)
	}

	return cg, nil
}
