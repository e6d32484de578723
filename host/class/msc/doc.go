// Package msc implements the host side of the USB Mass Storage Bulk-Only
// Transport and the SCSI block commands needed to use a flash drive.
//
// A [Transport] is bound to a [host.Session] in the running state. Init
// discovers the logical units; each [LUN] is a [BlockDevice] that also
// implements [io.ReaderAt] and [io.WriterAt]:
//
//	tr, err := msc.New(session, msc.Options{})
//	if err != nil {
//		return err
//	}
//	defer tr.Close()
//
//	luns, err := tr.Init(ctx)
//	if err != nil {
//		return err
//	}
//	buf := make([]byte, 512)
//	err = luns[0].ReadBlocks(ctx, 0, 1, buf)
//
// Every command is a CBW, an optional data stage and a CSW. The CSW must
// echo the CBW tag; a mismatch takes the unit out of service. A failed
// status is followed by REQUEST SENSE and reported as a [SCSIError] carrying
// the sense key. A phase error runs reset recovery and the command is
// retried once.
//
// Range and write-protection checks happen before anything is sent.
package msc
