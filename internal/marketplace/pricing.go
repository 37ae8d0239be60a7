package marketplace

// Per-hour pricing in lamports. Base rate covers a 2 core / 1 GB / 10 GB
// machine; larger specs add per-unit increments, capped.
const (
	basePriceLamports  = 500_000
	cpuPriceLamports   = 100_000 // per core above 2
	ramPriceLamports   = 200_000 // per GB above 1
	diskPriceLamports  = 50_000  // per GB above 10
	priceCapLamports   = 50_000_000
	includedCPUCores   = 2
	includedRAMGB      = 1
	includedDiskGB     = 10
)

// PerHourPrice computes the hourly rate for a host's capacity
func PerHourPrice(cpu, ramGB, diskGB int) uint64 {
	price := uint64(basePriceLamports)
	if cpu > includedCPUCores {
		price += uint64(cpu-includedCPUCores) * cpuPriceLamports
	}
	if ramGB > includedRAMGB {
		price += uint64(ramGB-includedRAMGB) * ramPriceLamports
	}
	if diskGB > includedDiskGB {
		price += uint64(diskGB-includedDiskGB) * diskPriceLamports
	}
	if price > priceCapLamports {
		price = priceCapLamports
	}
	return price
}
