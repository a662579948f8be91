// Command rmdb-demo exercises the relational engine end to end: it opens
// (or creates) a database directory, runs ARIES-lite recovery, then drives
// a handful of transactions through the record manager, B+tree indexes,
// lock manager, write-ahead log, and volcano execution operators.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/catalog"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/engineconf"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/exec"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/lockmgr"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/txn"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/wal"
)

func main() {
	dataDir := flag.String("data-dir", "./rmdb-data", "database directory")
	configPath := flag.String("config", "", "path to an rmdb.ini config file (optional)")
	fresh := flag.Bool("fresh", false, "wipe data-dir and start from an empty database")
	flag.Parse()

	cfg, err := engineconf.NewCfg().Load(*configPath)
	if err != nil {
		log.Fatalf("rmdb-demo: loading config: %v", err)
	}

	if *fresh {
		if err := os.RemoveAll(*dataDir); err != nil {
			log.Fatalf("rmdb-demo: clearing data dir: %v", err)
		}
	}

	cat, lm, logMgr, txnMgr, err := openEngine(*dataDir, cfg)
	if err != nil {
		log.Fatalf("rmdb-demo: %v", err)
	}
	defer cat.Close()

	if err := ensureSchema(cat); err != nil {
		log.Fatalf("rmdb-demo: schema setup: %v", err)
	}

	if err := runWorkload(cat, lm, logMgr, txnMgr, cfg); err != nil {
		log.Fatalf("rmdb-demo: workload: %v", err)
	}
}

// openEngine opens an existing database (running recovery first) or
// creates a fresh one, and wires the lock manager, log manager, and
// transaction manager around it.
func openEngine(dir string, cfg *engineconf.Cfg) (*catalog.Catalog, *lockmgr.LockManager, *wal.LogManager, *txn.Manager, error) {
	_, statErr := os.Stat(dir)
	var cat *catalog.Catalog
	var err error
	fresh := os.IsNotExist(statErr)

	if fresh {
		cat, err = catalog.CreateDb(dir, cfg.BufferPoolSize)
	} else {
		cat, err = catalog.OpenDb(dir, cfg.BufferPoolSize)
	}
	if err != nil {
		return nil, nil, nil, nil, err
	}

	logMgr := wal.NewLogManager(cat.DiskManager(), cfg.LogBufferSize)
	lm := lockmgr.NewLockManager()

	if !fresh {
		result, err := wal.Recover(cat.DiskManager(), cat)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		logMgr.SeedFrom(result.MaxLsn)
		fmt.Printf("recovery: replayed log, max_lsn=%d next_txn_id=%d\n", result.MaxLsn, result.NextTxnID)
		txnMgr := txn.NewManager(lm, logMgr, cat)
		txnMgr.SeedNextTxnID(result.NextTxnID)
		return cat, lm, logMgr, txnMgr, nil
	}

	return cat, lm, logMgr, txn.NewManager(lm, logMgr, cat), nil
}

func ensureSchema(cat *catalog.Catalog) error {
	for _, name := range cat.ShowTables() {
		if name == "accounts" || name == "orders" {
			return nil // already created on a prior run
		}
	}

	accountCols := []rmtype.ColMeta{
		{Name: "id", Type: rmtype.TypeInt, Len: 4},
		{Name: "name", Type: rmtype.TypeChar, Len: 32},
		{Name: "balance", Type: rmtype.TypeBigInt, Len: 8},
	}
	if err := cat.CreateTable("accounts", accountCols); err != nil {
		return err
	}
	if err := cat.CreateIndex("accounts", []string{"id"}); err != nil {
		return err
	}

	orderCols := []rmtype.ColMeta{
		{Name: "id", Type: rmtype.TypeInt, Len: 4},
		{Name: "account_id", Type: rmtype.TypeInt, Len: 4},
		{Name: "amount", Type: rmtype.TypeBigInt, Len: 8},
	}
	if err := cat.CreateTable("orders", orderCols); err != nil {
		return err
	}
	return cat.CreateIndex("orders", []string{"account_id"})
}

func runWorkload(cat *catalog.Catalog, lm *lockmgr.LockManager, logMgr *wal.LogManager, txnMgr *txn.Manager, cfg *engineconf.Cfg) error {
	accounts, err := cat.GetTable("accounts")
	if err != nil {
		return err
	}
	orders, err := cat.GetTable("orders")
	if err != nil {
		return err
	}

	tx, err := txnMgr.Begin()
	if err != nil {
		return err
	}

	accIns := exec.NewInsert(accounts, lm, logMgr, tx)
	seedAccounts := []struct {
		id      int32
		name    string
		balance int64
	}{
		{1, "alice", 500},
		{2, "bob", 250},
		{3, "carol", 900},
	}
	for _, a := range seedAccounts {
		if _, err := accIns.Execute([]rmtype.Value{
			rmtype.NewIntValue(a.id), rmtype.NewCharValue(a.name), rmtype.NewBigIntValue(a.balance),
		}); err != nil {
			txnMgr.Abort(tx)
			return err
		}
	}

	ordIns := exec.NewInsert(orders, lm, logMgr, tx)
	seedOrders := []struct {
		id, accountID int32
		amount        int64
	}{
		{1, 1, 40}, {2, 1, 15}, {3, 2, 60}, {4, 3, 200},
	}
	for _, o := range seedOrders {
		if _, err := ordIns.Execute([]rmtype.Value{
			rmtype.NewIntValue(o.id), rmtype.NewIntValue(o.accountID), rmtype.NewBigIntValue(o.amount),
		}); err != nil {
			txnMgr.Abort(tx)
			return err
		}
	}
	if err := txnMgr.Commit(tx); err != nil {
		return err
	}
	fmt.Println("seeded accounts and orders")

	idxScan, err := exec.NewIndexScan(accounts, accounts.Indexes["id"],
		[]exec.Cond{{Col: "id", Op: exec.Ge, RhsVal: rmtype.NewIntValue(2)}}, nil, nil)
	if err != nil {
		return err
	}
	sorted, err := exec.NewSort(idxScan, []exec.SortKey{{Col: "balance", Desc: true}}, -1)
	if err != nil {
		return err
	}
	fmt.Println("accounts with id >= 2, by balance desc:")
	if err := printRows(sorted); err != nil {
		return err
	}

	join, err := exec.NewBlockNestedLoopJoin(accounts, orders, nil, nil,
		[]exec.Cond{{Col: "id", Op: exec.Eq, IsColRef: true, RhsCol: "account_id"}},
		cfg.JoinBufferPages, nil, nil)
	if err != nil {
		return err
	}
	fmt.Println("accounts joined with their orders:")
	if err := printRows(join); err != nil {
		return err
	}

	sumScan, err := exec.NewSeqScan(orders, nil, nil, nil)
	if err != nil {
		return err
	}
	sumAgg, err := exec.NewAggregate(sumScan, "amount", exec.AggSum)
	if err != nil {
		return err
	}
	total, err := sumAgg.Current()
	if err != nil {
		return err
	}
	fmt.Printf("total order amount: %s\n", string(total))

	tx2, err := txnMgr.Begin()
	if err != nil {
		return err
	}
	updScan, err := exec.NewSeqScan(accounts, []exec.Cond{{Col: "name", Op: exec.Eq, RhsVal: rmtype.NewCharValue("bob")}}, lm, tx2)
	if err != nil {
		return err
	}
	upd := exec.NewUpdate(accounts, lm, logMgr, tx2)
	n, err := upd.Execute(updScan, []exec.SetClause{{Col: "balance", Val: rmtype.NewBigIntValue(300)}})
	if err != nil {
		txnMgr.Abort(tx2)
		return err
	}
	if err := txnMgr.Commit(tx2); err != nil {
		return err
	}
	fmt.Printf("updated %d account(s)\n", n)

	return nil
}

func printRows(it exec.Iterator) error {
	cols := it.Cols()
	for !it.IsEnd() {
		row, err := it.Current()
		if err != nil {
			return err
		}
		fmt.Print("  ")
		for i, col := range cols {
			if i > 0 {
				fmt.Print(", ")
			}
			v, err := rmtype.Decode(col, row[col.Offset:col.Offset+col.Len])
			if err != nil {
				return err
			}
			fmt.Printf("%s=%s", col.Name, v.String())
		}
		fmt.Println()
		if err := it.Next(); err != nil {
			return err
		}
	}
	return nil
}
