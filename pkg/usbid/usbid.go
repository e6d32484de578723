// Package usbid resolves vendor and product IDs to names using the usb.ids
// database shipped with most Linux distributions.
//
// Load the database once and share it; a Database is read-only after
// parsing and safe for concurrent use:
//
//	db, err := usbid.Load()
//	if err == nil {
//		fmt.Println(db.Name(0x0781, 0x5567))
//	}
package usbid

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// DefaultPaths lists the standard locations for the USB ID database.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database maps vendor and product IDs to names.
type Database struct {
	vendors  map[uint16]string // VID -> vendor name
	products map[uint32]string // (VID<<16)|PID -> product name
}

// Load parses the first database found in paths, or in DefaultPaths when
// none are given. It fails with an error matching os.ErrNotExist when no
// path exists.
func Load(paths ...string) (*Database, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		db, err := Parse(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return db, nil
	}
	return nil, fmt.Errorf("usb.ids: %w", os.ErrNotExist)
}

// Parse reads a database in usb.ids format. Only the vendor and product
// sections are kept; class, language and HID sections are skipped.
func Parse(r io.Reader) (*Database, error) {
	db := &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}

	scanner := bufio.NewScanner(r)
	var vendor uint16
	inVendor := false

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		// Vendor: "xxxx  Name". Product: "\txxxx  Name". Anything else
		// ("C 08  Mass Storage", "\t\t..." interface lines) ends the vendor.
		if line[0] == '\t' {
			if !inVendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			if id, name, ok := splitEntry(line[1:]); ok {
				db.products[uint32(vendor)<<16|uint32(id)] = name
			}
			continue
		}

		id, name, ok := splitEntry(line)
		inVendor = ok
		if ok {
			vendor = id
			db.vendors[id] = name
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return db, nil
}

// splitEntry parses "xxxx  Name".
func splitEntry(s string) (uint16, string, bool) {
	if len(s) < 6 || s[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimSpace(s[5:])
	if name == "" {
		return 0, "", false
	}
	return uint16(id), name, true
}

// Vendor returns the vendor name, or "" if unknown.
func (db *Database) Vendor(vid uint16) string {
	if db == nil {
		return ""
	}
	return db.vendors[vid]
}

// Product returns the product name, or "" if unknown.
func (db *Database) Product(vid, pid uint16) string {
	if db == nil {
		return ""
	}
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Name joins the vendor and product names that are known.
func (db *Database) Name(vid, pid uint16) string {
	vendor, product := db.Vendor(vid), db.Product(vid, pid)
	switch {
	case vendor == "":
		return product
	case product == "":
		return vendor
	default:
		return vendor + " " + product
	}
}

// Len returns the number of vendors and products.
func (db *Database) Len() (vendors, products int) {
	if db == nil {
		return 0, 0
	}
	return len(db.vendors), len(db.products)
}
