package riscv

// Encoders for building guest programs in tests and demo images. Immediates
// are truncated to their field; callers keep them in range.

func rType(op, f3, f7, rd, rs1, rs2 uint32) uint32 {
	return f7<<25 | rs2<<20 | rs1<<15 | f3<<12 | rd<<7 | op
}

func iType(op, f3, rd, rs1 uint32, imm int64) uint32 {
	return uint32(imm&0xfff)<<20 | rs1<<15 | f3<<12 | rd<<7 | op
}

func sType(op, f3, rs1, rs2 uint32, imm int64) uint32 {
	u := uint32(imm & 0xfff)
	return u>>5<<25 | rs2<<20 | rs1<<15 | f3<<12 | (u&0x1f)<<7 | op
}

func bType(f3, rs1, rs2 uint32, off int64) uint32 {
	u := uint32(off & 0x1fff)
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | rs2<<20 | rs1<<15 | f3<<12 | (u>>1&0xf)<<8 | (u>>11&1)<<7 | opBranch
}

func ADDI(rd, rs1 uint32, imm int64) uint32 { return iType(opImm, 0, rd, rs1, imm) }
func SLTI(rd, rs1 uint32, imm int64) uint32 { return iType(opImm, 2, rd, rs1, imm) }
func SLTIU(rd, rs1 uint32, imm int64) uint32 { return iType(opImm, 3, rd, rs1, imm) }
func XORI(rd, rs1 uint32, imm int64) uint32 { return iType(opImm, 4, rd, rs1, imm) }
func ORI(rd, rs1 uint32, imm int64) uint32 { return iType(opImm, 6, rd, rs1, imm) }
func ANDI(rd, rs1 uint32, imm int64) uint32 { return iType(opImm, 7, rd, rs1, imm) }
func SLLI(rd, rs1, sh uint32) uint32 { return iType(opImm, 1, rd, rs1, int64(sh&0x3f)) }
func SRLI(rd, rs1, sh uint32) uint32 { return iType(opImm, 5, rd, rs1, int64(sh&0x3f)) }
func SRAI(rd, rs1, sh uint32) uint32 { return iType(opImm, 5, rd, rs1, int64(sh&0x3f|0x400)) }
func ADDIW(rd, rs1 uint32, imm int64) uint32 { return iType(opImm32, 0, rd, rs1, imm) }

func ADD(rd, rs1, rs2 uint32) uint32 { return rType(opReg, 0, 0, rd, rs1, rs2) }
func SUB(rd, rs1, rs2 uint32) uint32 { return rType(opReg, 0, 0x20, rd, rs1, rs2) }
func SLL(rd, rs1, rs2 uint32) uint32 { return rType(opReg, 1, 0, rd, rs1, rs2) }
func SLT(rd, rs1, rs2 uint32) uint32 { return rType(opReg, 2, 0, rd, rs1, rs2) }
func SLTU(rd, rs1, rs2 uint32) uint32 { return rType(opReg, 3, 0, rd, rs1, rs2) }
func XOR(rd, rs1, rs2 uint32) uint32 { return rType(opReg, 4, 0, rd, rs1, rs2) }
func SRL(rd, rs1, rs2 uint32) uint32 { return rType(opReg, 5, 0, rd, rs1, rs2) }
func SRA(rd, rs1, rs2 uint32) uint32 { return rType(opReg, 5, 0x20, rd, rs1, rs2) }
func OR(rd, rs1, rs2 uint32) uint32 { return rType(opReg, 6, 0, rd, rs1, rs2) }
func AND(rd, rs1, rs2 uint32) uint32 { return rType(opReg, 7, 0, rd, rs1, rs2) }
func MUL(rd, rs1, rs2 uint32) uint32 { return rType(opReg, 0, 1, rd, rs1, rs2) }
func MULHU(rd, rs1, rs2 uint32) uint32 { return rType(opReg, 3, 1, rd, rs1, rs2) }
func DIV(rd, rs1, rs2 uint32) uint32 { return rType(opReg, 4, 1, rd, rs1, rs2) }
func DIVU(rd, rs1, rs2 uint32) uint32 { return rType(opReg, 5, 1, rd, rs1, rs2) }
func REM(rd, rs1, rs2 uint32) uint32 { return rType(opReg, 6, 1, rd, rs1, rs2) }
func REMU(rd, rs1, rs2 uint32) uint32 { return rType(opReg, 7, 1, rd, rs1, rs2) }
func ADDW(rd, rs1, rs2 uint32) uint32 { return rType(opReg32, 0, 0, rd, rs1, rs2) }
func SUBW(rd, rs1, rs2 uint32) uint32 { return rType(opReg32, 0, 0x20, rd, rs1, rs2) }
func SRAW(rd, rs1, rs2 uint32) uint32 { return rType(opReg32, 5, 0x20, rd, rs1, rs2) }
func MULW(rd, rs1, rs2 uint32) uint32 { return rType(opReg32, 0, 1, rd, rs1, rs2) }
func DIVW(rd, rs1, rs2 uint32) uint32 { return rType(opReg32, 4, 1, rd, rs1, rs2) }

func LB(rd, rs1 uint32, off int64) uint32 { return iType(opLoad, 0, rd, rs1, off) }
func LH(rd, rs1 uint32, off int64) uint32 { return iType(opLoad, 1, rd, rs1, off) }
func LW(rd, rs1 uint32, off int64) uint32 { return iType(opLoad, 2, rd, rs1, off) }
func LD(rd, rs1 uint32, off int64) uint32 { return iType(opLoad, 3, rd, rs1, off) }
func LBU(rd, rs1 uint32, off int64) uint32 { return iType(opLoad, 4, rd, rs1, off) }
func LWU(rd, rs1 uint32, off int64) uint32 { return iType(opLoad, 6, rd, rs1, off) }
func SB(rs2, rs1 uint32, off int64) uint32 { return sType(opStore, 0, rs1, rs2, off) }
func SH(rs2, rs1 uint32, off int64) uint32 { return sType(opStore, 1, rs1, rs2, off) }
func SW(rs2, rs1 uint32, off int64) uint32 { return sType(opStore, 2, rs1, rs2, off) }
func SD(rs2, rs1 uint32, off int64) uint32 { return sType(opStore, 3, rs1, rs2, off) }

func BEQ(rs1, rs2 uint32, off int64) uint32 { return bType(0, rs1, rs2, off) }
func BNE(rs1, rs2 uint32, off int64) uint32 { return bType(1, rs1, rs2, off) }
func BLT(rs1, rs2 uint32, off int64) uint32 { return bType(4, rs1, rs2, off) }
func BGE(rs1, rs2 uint32, off int64) uint32 { return bType(5, rs1, rs2, off) }
func BLTU(rs1, rs2 uint32, off int64) uint32 { return bType(6, rs1, rs2, off) }
func BGEU(rs1, rs2 uint32, off int64) uint32 { return bType(7, rs1, rs2, off) }

func LUI(rd uint32, imm int64) uint32 { return uint32(imm)&^0xfff | rd<<7 | opLUI }
func AUIPC(rd uint32, imm int64) uint32 { return uint32(imm)&^0xfff | rd<<7 | opAUIPC }

func JAL(rd uint32, off int64) uint32 {
	u := uint32(off & 0x1fffff)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | rd<<7 | opJAL
}

func JALR(rd, rs1 uint32, off int64) uint32 { return iType(opJALR, 0, rd, rs1, off) }

func FENCEI() uint32 { return iType(opMiscMem, 1, 0, 0, 0) }
func ECALL() uint32 { return insnECALL }
func EBREAK() uint32 { return insnEBREAK }
