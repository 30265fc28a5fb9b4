package passthrough

import (
	"golang.org/x/sys/unix"

	"github.com/coreboxvmm/vmm/internal/devices/virtio"
)

// statToFuseAttr converts a host lstat result into the wire FuseAttr the
// guest kernel expects. st_uid/st_gid are overridden with the uid/gid
// passed in, which every caller sets to the backend process's own ids: this
// VM always runs a single guest whose uid/gid mapping is the identity map,
// so the host's real owner is irrelevant to what the guest should see.
func statToFuseAttr(st *unix.Stat_t, uid, gid uint32) virtio.FuseAttr {
	return virtio.FuseAttr{
		Ino:       st.Ino,
		Size:      uint64(st.Size),
		Blocks:    uint64(st.Blocks),
		ATimeSec:  uint64(st.Atim.Sec),
		MTimeSec:  uint64(st.Mtim.Sec),
		CTimeSec:  uint64(st.Ctim.Sec),
		ATimeNsec: uint32(st.Atim.Nsec),
		MTimeNsec: uint32(st.Mtim.Nsec),
		CTimeNsec: uint32(st.Ctim.Nsec),
		Mode:      uint32(st.Mode),
		NLink:     uint32(st.Nlink),
		UID:       uid,
		GID:       gid,
		RDev:      uint32(st.Rdev),
		BlkSize:   uint32(st.Blksize),
	}
}

func lstatPath(path string, uid, gid uint32) (virtio.FuseAttr, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return virtio.FuseAttr{}, err
	}
	return statToFuseAttr(&st, uid, gid), nil
}

func fstatFd(fd int, uid, gid uint32) (virtio.FuseAttr, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return virtio.FuseAttr{}, err
	}
	return statToFuseAttr(&st, uid, gid), nil
}
