package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"

	"github.com/decloud-network/decloud-node/internal/utils"
)

// SolanaBridge settles leases against the on-chain vault program. Rental,
// escrow and host registration state live in PDAs derived per lease/host id,
// which is what makes every call idempotent: replaying a finalize against an
// already-closed session account fails on-chain instead of paying twice.
type SolanaBridge struct {
	rpcClient   *rpc.Client
	programID   solana.PublicKey
	operatorKey solana.PrivateKey
	vaultSecret string
	timeout     time.Duration
	logger      *utils.LogsManager
}

// NewSolanaBridge creates a bridge against the configured vault program
func NewSolanaBridge(cm *utils.ConfigManager, logger *utils.LogsManager) (*SolanaBridge, error) {
	endpoint := cm.GetConfigWithDefault("solana_rpc_endpoint", rpc.DevNet_RPC)

	programIDStr := cm.GetConfigWithDefault("vault_program_id", "")
	programID, err := solana.PublicKeyFromBase58(programIDStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
	}

	operatorKeyStr, exists := cm.GetConfig("operator_private_key")
	if !exists || operatorKeyStr == "" {
		return nil, fmt.Errorf("%w: operator_private_key not configured", ErrInvalidOperatorKey)
	}
	operatorKey, err := solana.PrivateKeyFromBase58(operatorKeyStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOperatorKey, err)
	}

	return &SolanaBridge{
		rpcClient:   rpc.New(endpoint),
		programID:   programID,
		operatorKey: operatorKey,
		vaultSecret: cm.GetConfigWithDefault("vault_secret", ""),
		timeout:     cm.GetConfigDuration("settlement_timeout", 30*time.Second),
		logger:      logger,
	}, nil
}

// anchorDiscriminator returns the 8-byte instruction tag for a program method
func anchorDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("global:" + name))
	return sum[:8]
}

// borsh argument encoding helpers

func borshU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func borshI64(buf []byte, v int64) []byte {
	return borshU64(buf, uint64(v))
}

func borshString(buf []byte, s string) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(len(s)))
	buf = append(buf, b[:]...)
	return append(buf, []byte(s)...)
}

func parseIdentity(key string) (solana.PublicKey, error) {
	raw, err := base58.Decode(key)
	if err != nil || len(raw) != 32 {
		return solana.PublicKey{}, fmt.Errorf("%w: %s", ErrInvalidIdentity, key)
	}
	return solana.PublicKeyFromBytes(raw), nil
}

// RentalSessionPDA derives the rental session account for a tenant and lease
func (sb *SolanaBridge) RentalSessionPDA(tenant solana.PublicKey, leaseID string) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("rental_session"), tenant.Bytes(), []byte(leaseID)}, sb.programID)
	return addr, err
}

// EscrowSessionPDA derives the escrow session account for a tenant and lease
func (sb *SolanaBridge) EscrowSessionPDA(tenant solana.PublicKey, leaseID string) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("escrow_session"), tenant.Bytes(), []byte(leaseID)}, sb.programID)
	return addr, err
}

// EscrowVaultPDA derives the escrow vault holding the tenant's funds
func (sb *SolanaBridge) EscrowVaultPDA(tenant solana.PublicKey, leaseID string) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("escrow_vault"), tenant.Bytes(), sb.operatorKey.PublicKey().Bytes(), []byte(leaseID)},
		sb.programID)
	return addr, err
}

// HostRegistrationPDA derives the host machine registration account
func (sb *SolanaBridge) HostRegistrationPDA(owner solana.PublicKey, hostID string) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("host_machine"), owner.Bytes(), []byte(hostID)}, sb.programID)
	return addr, err
}

// VaultAccountPDA derives the operator vault account
func (sb *SolanaBridge) VaultAccountPDA() (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("vault_account"), sb.operatorKey.PublicKey().Bytes(), []byte(sb.vaultSecret)},
		sb.programID)
	return addr, err
}

// DepositAndLease locks funds in the vault for a fixed-duration lease
func (sb *SolanaBridge) DepositAndLease(ctx context.Context, tenantKey string, amount uint64, durationSeconds int64, leaseID string) (TxRef, error) {
	tenant, err := parseIdentity(tenantKey)
	if err != nil {
		return "", err
	}

	data := anchorDiscriminator("transfer_to_vault_and_rent")
	data = borshU64(data, amount)
	data = borshI64(data, durationSeconds)
	data = borshString(data, leaseID)
	data = borshString(data, sb.vaultSecret)

	session, err := sb.RentalSessionPDA(tenant, leaseID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	vault, err := sb.VaultAccountPDA()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}

	return sb.sendInstruction(ctx, data, solana.AccountMetaSlice{
		{PublicKey: sb.operatorKey.PublicKey(), IsSigner: true, IsWritable: true},
		{PublicKey: tenant, IsSigner: false, IsWritable: true},
		{PublicKey: session, IsSigner: false, IsWritable: true},
		{PublicKey: vault, IsSigner: false, IsWritable: true},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
	})
}

// OpenEscrow starts an escrow session funded with amount
func (sb *SolanaBridge) OpenEscrow(ctx context.Context, tenantKey string, amount uint64, leaseID string) (TxRef, error) {
	tenant, err := parseIdentity(tenantKey)
	if err != nil {
		return "", err
	}

	data := anchorDiscriminator("start_rental_with_escrow")
	data = borshU64(data, amount)
	data = borshString(data, leaseID)

	session, err := sb.EscrowSessionPDA(tenant, leaseID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	escrowVault, err := sb.EscrowVaultPDA(tenant, leaseID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}

	return sb.sendInstruction(ctx, data, solana.AccountMetaSlice{
		{PublicKey: sb.operatorKey.PublicKey(), IsSigner: true, IsWritable: true},
		{PublicKey: tenant, IsSigner: false, IsWritable: true},
		{PublicKey: session, IsSigner: false, IsWritable: true},
		{PublicKey: escrowVault, IsSigner: false, IsWritable: true},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
	})
}

// ExtendEscrow adds funds to an existing escrow session
func (sb *SolanaBridge) ExtendEscrow(ctx context.Context, tenantKey string, leaseID string, amount uint64) (TxRef, error) {
	tenant, err := parseIdentity(tenantKey)
	if err != nil {
		return "", err
	}

	data := anchorDiscriminator("top_up_escrow")
	data = borshString(data, leaseID)
	data = borshU64(data, amount)

	session, err := sb.EscrowSessionPDA(tenant, leaseID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	escrowVault, err := sb.EscrowVaultPDA(tenant, leaseID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}

	return sb.sendInstruction(ctx, data, solana.AccountMetaSlice{
		{PublicKey: sb.operatorKey.PublicKey(), IsSigner: true, IsWritable: true},
		{PublicKey: tenant, IsSigner: false, IsWritable: true},
		{PublicKey: session, IsSigner: false, IsWritable: true},
		{PublicKey: escrowVault, IsSigner: false, IsWritable: true},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
	})
}

// Finalize settles a lease with the authority: accrued usage to the payee,
// remainder back to the tenant
func (sb *SolanaBridge) Finalize(ctx context.Context, tenantKey string, leaseID string, settledAmount uint64) (TxRef, error) {
	tenant, err := parseIdentity(tenantKey)
	if err != nil {
		return "", err
	}

	data := anchorDiscriminator("finalise_rental_with_escrow")
	data = borshString(data, leaseID)
	data = borshU64(data, settledAmount)
	data = borshString(data, sb.vaultSecret)

	session, err := sb.EscrowSessionPDA(tenant, leaseID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	escrowVault, err := sb.EscrowVaultPDA(tenant, leaseID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	vault, err := sb.VaultAccountPDA()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}

	return sb.sendInstruction(ctx, data, solana.AccountMetaSlice{
		{PublicKey: sb.operatorKey.PublicKey(), IsSigner: true, IsWritable: true},
		{PublicKey: tenant, IsSigner: false, IsWritable: true},
		{PublicKey: session, IsSigner: false, IsWritable: true},
		{PublicKey: escrowVault, IsSigner: false, IsWritable: true},
		{PublicKey: vault, IsSigner: false, IsWritable: true},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
	})
}

// RewardHost pays out accrued earnings to a host owner
func (sb *SolanaBridge) RewardHost(ctx context.Context, ownerKey string, hostID string, amount uint64) (TxRef, error) {
	owner, err := parseIdentity(ownerKey)
	if err != nil {
		return "", err
	}

	data := anchorDiscriminator("claim_rewards")
	data = borshString(data, hostID)
	data = borshU64(data, amount)
	data = borshString(data, sb.vaultSecret)

	registration, err := sb.HostRegistrationPDA(owner, hostID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	vault, err := sb.VaultAccountPDA()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}

	return sb.sendInstruction(ctx, data, solana.AccountMetaSlice{
		{PublicKey: sb.operatorKey.PublicKey(), IsSigner: true, IsWritable: true},
		{PublicKey: owner, IsSigner: false, IsWritable: true},
		{PublicKey: registration, IsSigner: false, IsWritable: true},
		{PublicKey: vault, IsSigner: false, IsWritable: true},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
	})
}

// PenalizeHost forfeits a host's standing with the authority
func (sb *SolanaBridge) PenalizeHost(ctx context.Context, ownerKey string, hostID string) (TxRef, error) {
	owner, err := parseIdentity(ownerKey)
	if err != nil {
		return "", err
	}

	data := anchorDiscriminator("penalize_host")
	data = borshString(data, hostID)

	registration, err := sb.HostRegistrationPDA(owner, hostID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}

	return sb.sendInstruction(ctx, data, solana.AccountMetaSlice{
		{PublicKey: sb.operatorKey.PublicKey(), IsSigner: true, IsWritable: true},
		{PublicKey: owner, IsSigner: false, IsWritable: true},
		{PublicKey: registration, IsSigner: false, IsWritable: true},
	})
}

// sendInstruction builds, signs and submits a single vault-program
// instruction and returns the transaction signature
func (sb *SolanaBridge) sendInstruction(ctx context.Context, data []byte, accounts solana.AccountMetaSlice) (TxRef, error) {
	ctx, cancel := context.WithTimeout(ctx, sb.timeout)
	defer cancel()

	recent, err := sb.rpcClient.GetRecentBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrSettlementTimeout, err)
		}
		return "", fmt.Errorf("%w: failed to get recent blockhash: %v", ErrSettlementFailed, err)
	}

	instruction := solana.NewInstruction(sb.programID, accounts, data)

	payer := sb.operatorKey.PublicKey()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{instruction},
		recent.Value.Blockhash,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create transaction: %v", ErrSettlementFailed, err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &sb.operatorKey
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to sign transaction: %v", ErrSettlementFailed, err)
	}

	sig, err := sb.rpcClient.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrSettlementTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}

	sb.logger.Info(fmt.Sprintf("Settlement transaction submitted: %s", sig.String()), "settlement")
	return TxRef(sig.String()), nil
}
